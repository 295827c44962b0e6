package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/client"
)

const commandTimeout = 60 * time.Second

// addServerFlag registers the control plane address flag on a client
// command group.
func addServerFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringSlice("server", []string{"127.0.0.1:7421"}, "Control plane addresses")
}

// dialClient builds a client from the command's server flag.
func dialClient(cmd *cobra.Command) (*client.Client, error) {
	servers, _ := cmd.Flags().GetStringSlice("server")
	return client.New(client.Options{Servers: servers})
}

// commandCtx bounds one CLI operation.
func commandCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commandTimeout)
}
