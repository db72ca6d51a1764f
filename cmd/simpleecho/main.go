package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rectcircle/muxtunnel/internal/logging"
	"github.com/rectcircle/muxtunnel/internal/simpleecho"
	"github.com/rectcircle/muxtunnel/tools"
)

// echoOptions - address flags shared by server and client
type echoOptions struct {
	host string
	port uint16
}

func (o *echoOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.host, "host", "H", "127.0.0.1", "host")
	cmd.Flags().Uint16VarP(&o.port, "port", "p", 20007, "port")
}

func (o *echoOptions) address() string {
	return tools.ToAddressString(o.host, o.port)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "simpleecho",
		Short:         "A simple echo server and client for test the muxtunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var serverOpts echoOptions
	server := &cobra.Command{
		Use:   "server",
		Short: "Run a echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New("info", logging.FormatConsole)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simpleecho.ListenAndServe(ctx, serverOpts.address(), logger)
		},
	}
	serverOpts.bindFlags(server)

	var clientOpts echoOptions
	client := &cobra.Command{
		Use:   "client",
		Short: "Connect to a echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleecho.Client(cmd.Context(), clientOpts.address(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	clientOpts.bindFlags(client)

	root.AddCommand(server, client)
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
