package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rectcircle/muxtunnel/internal/config"
	"github.com/rectcircle/muxtunnel/internal/logging"
	"github.com/rectcircle/muxtunnel/internal/muxtunnel"
	"github.com/rectcircle/muxtunnel/internal/muxtunnel/protocol"
	"github.com/rectcircle/muxtunnel/internal/variable"
)

// options - state shared by the subcommands, filled in PersistentPreRunE
type options struct {
	configPath string
	logLevel   string

	cfg     *config.Config
	logger  *zap.Logger
	metrics *protocol.Metrics
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "muxtunnel",
		Short: "Forward many TCP connections through one stdio, TCP or ssh link",
		Long: `muxtunnel multiplexes TCP connections over a single physical connection.

The client listens on a local port and the server dials the target for every
forwarded connection. The link between them may be a TCP socket, the stdio of
a command (ssh, docker exec, kubectl exec...) or the muxtunnel ssh subsystem.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				opts.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "config file, created with defaults when missing")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level: trace, debug, info, warn or error")
	root.AddCommand(newClientCommand(opts), newServerCommand(opts), newVersionCommand())
	return root
}

func (o *options) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

// serveMetrics - expose /metrics when metrics.listen is set
func (o *options) serveMetrics(ctx context.Context) error {
	if o.cfg.Metrics.Listen == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.metrics = protocol.NewMetrics(registry)

	listener, err := net.Listen("tcp", o.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	o.logger.Info("metrics listening", zap.Stringer("address", listener.Addr()))
	return nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newClientCommand(opts *options) *cobra.Command {
	var flags config.ClientConfig
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start a muxtunnel client",
		Long:  "Listen on a local TCP address and forward every connection through the link.",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyClientFlags(cmd, &opts.cfg.Client, flags)
			if err := opts.cfg.ValidateClient(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runClient(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&flags.Listen, "listen", "l", "", "local address to accept connections on")
	cmd.Flags().StringVar(&flags.Link, "link", "", "physical connection: tcp, command or ssh")
	cmd.Flags().StringVar(&flags.Remote, "remote", "", "server address of a tcp link")
	cmd.Flags().StringVarP(&flags.Command, "command", "c", "", "command to be launched for a command link")
	cmd.Flags().BoolVarP(&flags.Interactive, "interactive", "i", false, "start the command under a pty until the server is ready")
	return cmd
}

// applyClientFlags - flags given on the command line win over the config file
func applyClientFlags(cmd *cobra.Command, dst *config.ClientConfig, flags config.ClientConfig) {
	set := cmd.Flags().Changed
	if set("listen") {
		dst.Listen = flags.Listen
	}
	if set("link") {
		dst.Link = flags.Link
	}
	if set("remote") {
		dst.Remote = flags.Remote
	}
	if set("command") {
		dst.Command = flags.Command
	}
	if set("interactive") {
		dst.Interactive = flags.Interactive
	}
}

func runClient(ctx context.Context, opts *options) error {
	cfg, logger := opts.cfg, opts.logger
	if err := opts.serveMetrics(ctx); err != nil {
		return err
	}
	link, err := openClientLink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()
	listener, err := net.Listen("tcp", cfg.Client.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Client.Listen, err)
	}
	client := muxtunnel.NewClient(link, logger, opts.metrics)
	if err := client.Serve(ctx, listener); err != nil {
		return err
	}
	logger.Info("link closed")
	return nil
}

func openClientLink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (io.ReadWriteCloser, error) {
	switch cfg.Client.Link {
	case config.LinkTCP:
		return muxtunnel.DialTCP(ctx, cfg.Client.Remote)
	case config.LinkCommand:
		return muxtunnel.StartCommand(cfg.Client.Command, cfg.Client.Interactive, logger)
	case config.LinkSSH:
		return muxtunnel.DialSSH(ctx, cfg.SSH, logger)
	}
	return nil, fmt.Errorf("unknown client.link %q", cfg.Client.Link)
}

func newServerCommand(opts *options) *cobra.Command {
	var flags config.ServerConfig
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start a muxtunnel server",
		Long:  "Serve the link on stdio or TCP and dial the target for every forwarded connection.",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyServerFlags(cmd, &opts.cfg.Server, flags)
			if err := opts.cfg.ValidateServer(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return runServer(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&flags.Target, "target", "t", "", "address dialed for every forwarded connection")
	cmd.Flags().StringVar(&flags.Link, "link", "", "physical connection: stdio or tcp")
	cmd.Flags().StringVarP(&flags.Listen, "listen", "l", "", "address accepting links when link is tcp")
	return cmd
}

func applyServerFlags(cmd *cobra.Command, dst *config.ServerConfig, flags config.ServerConfig) {
	set := cmd.Flags().Changed
	if set("target") {
		dst.Target = flags.Target
	}
	if set("link") {
		dst.Link = flags.Link
	}
	if set("listen") {
		dst.Listen = flags.Listen
	}
}

func runServer(ctx context.Context, opts *options) error {
	cfg := opts.cfg
	if err := opts.serveMetrics(ctx); err != nil {
		return err
	}
	server := muxtunnel.NewServer(cfg.Server.Target, opts.logger, opts.metrics)
	if cfg.Server.Link == config.LinkTCP {
		listener, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
		}
		return server.ListenAndServe(ctx, listener)
	}
	return server.ServeStdio(ctx)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the muxtunnel version",
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "muxtunnel version %s\n", variable.Version)
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
