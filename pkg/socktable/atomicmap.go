package socktable

import "sync"

// atomicMap is a typed wrapper over sync.Map, in the style of the
// teacher's atomic.MapTyped[K,V] (atomic/synmap.go): avoids interface{}
// casts at every call site while keeping the same concurrency-safety
// guarantees as the stdlib map it wraps.
type atomicMap struct {
	m *sync.Map
}

func newAtomicMap() atomicMap {
	return atomicMap{m: &sync.Map{}}
}

func (a atomicMap) Store(fd Descriptor, s *Socket) {
	a.m.Store(fd, s)
}

func (a atomicMap) Load(fd Descriptor) (*Socket, bool) {
	v, ok := a.m.Load(fd)
	if !ok {
		return nil, false
	}
	return v.(*Socket), true
}

func (a atomicMap) Delete(fd Descriptor) {
	a.m.Delete(fd)
}

func (a atomicMap) Range(fn func(*Socket) bool) {
	a.m.Range(func(_, v any) bool {
		return fn(v.(*Socket))
	})
}
