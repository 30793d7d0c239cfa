// Command lbprobe checks how a load balancer spreads connections across
// websocket-test replicas.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jordan13p/websocket-test/internal/probe"
	"github.com/spf13/cobra"
)

type flags struct {
	url         string
	connections int
	ping        bool
	timeout     time.Duration
	minSpread   int
	verbose     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "lbprobe",
		Short: "lbprobe - load balancing probe for websocket-test",
		Long: `lbprobe opens many short-lived connections to a websocket-test deployment and
reports which replica answered each one. Every replica announces its
service identity, so an even distribution shows that the load balancer
is spreading traffic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(
		newProbeCmd("ws", "Probe over WebSocket, reading the welcome message", "ws://localhost:8765", probe.WebSocket),
		newProbeCmd("http", "Probe the /health endpoint with a new TCP connection per request", "http://localhost:8080/health", probe.HTTP),
	)
	return root
}

type probeFunc func(ctx context.Context, opts probe.Options) (*probe.Report, error)

func newProbeCmd(use, short, defaultURL string, run probeFunc) *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := run(cmd.Context(), probe.Options{
				URL:         f.url,
				Connections: f.connections,
				Ping:        f.ping,
				Timeout:     f.timeout,
			})
			if err != nil {
				return err
			}
			report.Write(cmd.OutOrStdout(), f.verbose)
			return check(report, f.minSpread)
		},
	}

	cmd.Flags().StringVarP(&f.url, "url", "u", defaultURL, "target URL")
	cmd.Flags().IntVarP(&f.connections, "connections", "n", 20, "number of sequential probes")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "timeout per probe")
	cmd.Flags().IntVar(&f.minSpread, "min-spread", 0, "fail unless at least this many distinct replicas answer")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "print every probe")
	if use == "ws" {
		cmd.Flags().BoolVar(&f.ping, "ping", false, "send a ping on each connection and require the pong")
	}
	return cmd
}

// check turns the report into the exit status.
func check(r *probe.Report, minSpread int) error {
	if r.Succeeded() == 0 {
		return fmt.Errorf("all %d probes failed", len(r.Results))
	}
	if r.Failures > 0 {
		return fmt.Errorf("%d of %d probes failed", r.Failures, len(r.Results))
	}
	if r.Spread() < minSpread {
		return fmt.Errorf("reached %d distinct replicas, want at least %d", r.Spread(), minSpread)
	}
	return nil
}
