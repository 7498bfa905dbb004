package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"scriptrag/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var overridePort int
	var overrideHost string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OpenAI-compatible HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}
			if overrideHost != "" {
				cfg.Server.Host = overrideHost
			}

			client, err := ctx.newClient()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			srv, err := server.New(cfg, client, logger)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&overridePort, "port", 0, "Override server port from configuration")
	cmd.Flags().StringVar(&overrideHost, "host", "", "Override listen host from configuration")
	return cmd
}
