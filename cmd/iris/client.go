//go:build linux

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/touka-aoi/iris/endpoint"
)

type clientOptions struct {
	*rootOptions
	host    string
	port    string
	message string
	reply   bool
	timeout time.Duration
}

func newClientCommand(root *rootOptions) *cobra.Command {
	opts := &clientOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "client [MESSAGE]",
		Short: "Send one message to a server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.message = args[0]
			}
			return runClient(cmd.Context(), cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "localhost", "Host to connect to")
	flags.StringVar(&opts.port, "port", "8000", "Port or service to connect to")
	flags.StringVar(&opts.message, "message", "Hello, World!", "Message to send")
	flags.BoolVar(&opts.reply, "reply", false, "Wait for the server to send the message back")
	flags.DurationVar(&opts.timeout, "timeout", time.Second, "How long a UDP reply is waited for")
	return cmd
}

func runClient(ctx context.Context, cmd *cobra.Command, opts *clientOptions) error {
	proto, err := opts.parseProtocol()
	if err != nil {
		return err
	}

	client := endpoint.NewClient(proto, endpoint.WithReceiveTimeout(opts.timeout))
	if err := client.Attach(ctx, opts.host, opts.port); err != nil {
		return err
	}
	defer func() {
		if err := client.Detach(); err != nil {
			slog.Warn("Failed to detach", "error", err)
		}
	}()

	n, err := client.Send(payload(proto, opts.message))
	if err != nil {
		return err
	}
	slog.Debug("Sent message", "sessionID", client.SessionID(), "remoteAddr", client.RemoteAddr(), "bytes", n)

	if !opts.reply {
		return nil
	}
	buf := make([]byte, n)
	n, err = client.Receive(buf)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), text(buf[:n]))
	return nil
}

// payload terminates TCP messages with a NUL, which ends the receiving
// side's read loop. Datagrams carry their own boundaries.
func payload(proto endpoint.Protocol, message string) []byte {
	if proto == endpoint.TCP {
		return append([]byte(message), 0)
	}
	return []byte(message)
}

func text(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
