package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rectcircle/muxtunnel/internal/config"
	"github.com/rectcircle/muxtunnel/internal/logging"
	"github.com/rectcircle/muxtunnel/internal/muxtunnel"
	"github.com/rectcircle/muxtunnel/internal/simplesshd"
	"github.com/rectcircle/muxtunnel/tools"
)

func newRootCommand() *cobra.Command {
	var (
		configPath string
		port       uint16
		target     string
	)
	cmd := &cobra.Command{
		Use:   "simplesshd",
		Short: "Start a Sample sshd Server",
		Long: `Start a sample ssh server offering a shell, local port forwarding
and the muxtunnel subsystem. Set ssh.password in the config to require a password.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Due to security, not allow config host
			if cmd.Flags().Changed("port") {
				cfg.SSH.Listen = tools.ToAddressString("127.0.0.1", port)
			}
			if cmd.Flags().Changed("target") {
				cfg.Server.Target = target
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server := &simplesshd.Server{
				HostKeyFile: cfg.SSH.HostKeyFile,
				Password:    cfg.SSH.Password,
				Subsystem:   muxtunnel.NewServer(cfg.Server.Target, logger.Named("muxtunnel"), nil).ServeLink,
				Logger:      logger,
			}
			return server.ListenAndServe(ctx, cfg.SSH.Listen)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "config file, created with defaults when missing")
	cmd.Flags().Uint16VarP(&port, "port", "p", 20022, "port, bound on 127.0.0.1")
	cmd.Flags().StringVarP(&target, "target", "t", "", "target of the muxtunnel subsystem, server.target by default")
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
