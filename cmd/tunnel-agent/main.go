// Package main provides the CLI entry point for the tunnel agent.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/tunnel-agent/internal/agent"
	"github.com/postalsys/tunnel-agent/internal/config"
	"github.com/postalsys/tunnel-agent/internal/health"
	"github.com/postalsys/tunnel-agent/internal/probe"
	"github.com/postalsys/tunnel-agent/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel-agent",
		Short: "Tunnel agent - expose local services through a relay",
		Long: `tunnel-agent keeps an authenticated control session with a relay and
carries tunneled TCP and UDP traffic between the relay and local services.

UDP traffic is multiplexed over a single token-authenticated channel. TCP
clients are claimed individually as the relay announces them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(initCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(probeCmd())

	return cmd
}

func initCmd() *cobra.Command {
	var configPath string
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long:  "Run the interactive setup wizard, or write a default configuration with --non-interactive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if nonInteractive {
				_, err := w.WriteDefaults(configPath)
				return err
			}
			_, err := w.Run(configPath)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path of the configuration file to write")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Write defaults without prompting")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel agent",
		Long:  "Start the tunnel agent with the specified configuration and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg, Version)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("agent failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running agent",
		Long:  "Query the health endpoint of a running agent and print its status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := health.NewClient(address)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			stats, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query agent at %s: %w", address, err)
			}

			ready, err := client.Ready(ctx)
			if err != nil {
				return fmt.Errorf("failed to query agent at %s: %w", address, err)
			}

			printStatus(cmd.OutOrStdout(), stats, ready, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:9090", "Health server address of the running agent")

	return cmd
}

func probeCmd() *cobra.Command {
	var (
		configPath string
		opts       probe.Options
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test the relay connection",
		Long: `Authenticate against the relay control endpoint and measure one ping
round trip. Settings come from the configuration file; flags override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if !cmd.Flags().Changed("url") {
					opts.URL = cfg.Control.URL
				}
				if !cmd.Flags().Changed("secret") {
					opts.Secret = cfg.Control.Secret
				}
				if !cmd.Flags().Changed("insecure") {
					opts.InsecureSkipVerify = cfg.Control.InsecureSkipVerify
				}
			}
			if opts.URL == "" {
				return fmt.Errorf("no relay URL: pass --url or --config")
			}
			opts.Version = Version

			result := probe.Probe(cmd.Context(), opts)
			printProbeResult(cmd.OutOrStdout(), result, time.Now())
			if !result.Success {
				return fmt.Errorf("probe failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.URL, "url", "", "Relay control URL (ws:// or wss://)")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "Agent secret")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", probe.DefaultTimeout, "Probe timeout")
	cmd.Flags().BoolVar(&opts.InsecureSkipVerify, "insecure", false, "Skip TLS certificate verification")
	cmd.Flags().StringVar(&opts.CACert, "ca", "", "CA certificate file for TLS verification")

	return cmd
}

func printProbeResult(w io.Writer, r *probe.Result, now time.Time) {
	fmt.Fprintf(w, "Relay:          %s\n", r.URL)
	if !r.Success {
		fmt.Fprintf(w, "Status:         FAILED\n")
		fmt.Fprintf(w, "Error:          %s\n", r.ErrorDetail)
		return
	}

	fmt.Fprintf(w, "Status:         OK\n")
	fmt.Fprintf(w, "Round trip:     %s\n", r.RTT.Round(time.Millisecond))
	if !r.SessionExpireAt.IsZero() {
		fmt.Fprintf(w, "Session expiry: %s\n", humanize.RelTime(r.SessionExpireAt, now, "ago", "from now"))
	}
}

func printStatus(w io.Writer, st *health.Stats, ready bool, now time.Time) {
	name := st.Name
	if name == "" {
		name = "(unnamed)"
	}

	fmt.Fprintf(w, "Agent:          %s\n", name)
	if st.Version != "" {
		fmt.Fprintf(w, "Version:        %s\n", st.Version)
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:        %s\n", humanize.RelTime(st.StartedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "Ready:          %s\n", yesNo(ready))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Control:        %s\n", connected(st.ControlConnected))
	if !st.SessionExpireAt.IsZero() {
		fmt.Fprintf(w, "Session expiry: %s\n", humanize.RelTime(st.SessionExpireAt, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "Reconnects:     %s\n", humanize.Comma(int64(st.Reconnects)))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "UDP channel:    %s\n", st.TunnelState)
	if st.TunnelAddr != "" {
		fmt.Fprintf(w, "Tunnel addr:    %s\n", st.TunnelAddr)
	}
	fmt.Fprintf(w, "Last confirm:   %s\n", relOrNever(st.LastConfirm, now))
	fmt.Fprintf(w, "Last token:     %s\n", relOrNever(st.LastTokenSend, now))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "TCP clients:    %s\n", humanize.Comma(int64(st.TCPClients)))
	fmt.Fprintf(w, "UDP flows:      %s\n", humanize.Comma(int64(st.UDPFlows)))
}

func relOrNever(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func connected(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
