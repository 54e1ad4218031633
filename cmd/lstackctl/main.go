// Command lstackctl is the diagnostic CLI of SPEC_FULL.md §6: it queries
// a running lstackd process's /metrics and /dfx/conntable endpoints.
// Grounded on the teacher's own cobra command layout (one root command,
// one subcommand per verb, a persistent --addr flag) rather than its
// heavier interactive-UI cobra wrapper, which pulls in a bubbletea TUI
// this CLI has no use for — see DESIGN.md.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "lstackctl",
		Short: "Query a running lstackd process's diagnostic endpoints",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:9469", "lstackd diagnostic endpoint base address")

	root.AddCommand(newConnTableCmd(&addr))
	root.AddCommand(newMetricsCmd(&addr))
	return root
}

func newConnTableCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:     "conntable",
		Short:   "Dump the live connection table (gazelle_dfx_msg.h analog)",
		Example: "lstackctl conntable --addr http://127.0.0.1:9469",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint(*addr+"/dfx/conntable", cmd.OutOrStdout())
		},
	}
}

func newMetricsCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the raw Prometheus metrics exposition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchAndPrint(*addr+"/metrics", cmd.OutOrStdout())
		},
	}
}

func fetchAndPrint(url string, out io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("lstackctl: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("lstackctl: %s: %s", resp.Status, string(body))
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
