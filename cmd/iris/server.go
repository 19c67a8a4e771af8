//go:build linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/touka-aoi/iris/core/metrics"
	"github.com/touka-aoi/iris/endpoint"
	"golang.org/x/sync/errgroup"
)

type serverOptions struct {
	*rootOptions
	host        string
	port        string
	backlog     int
	bufferSize  int
	metricsAddr string
	echo        bool
}

func newServerCommand(root *rootOptions) *cobra.Command {
	opts := &serverOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve clients and print what they send",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "host", "", "Host to listen on (empty for every local address)")
	flags.StringVar(&opts.port, "port", "8000", "Port or service to listen on")
	flags.IntVar(&opts.backlog, "backlog", 10, "Pending connection queue length")
	flags.IntVar(&opts.bufferSize, "buffer-size", 1024, "Bytes read from each ready client")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Address to expose Prometheus metrics on")
	flags.BoolVar(&opts.echo, "echo", false, "Send every message back to its client")
	return cmd
}

func runServer(ctx context.Context, opts *serverOptions) error {
	proto, err := opts.parseProtocol()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.InfoContext(ctx, "Serving metrics", "address", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		return serve(ctx, opts, proto, m)
	})
	return g.Wait()
}

func serve(ctx context.Context, opts *serverOptions, proto endpoint.Protocol, m *metrics.Metrics) error {
	server := endpoint.NewServer(proto,
		endpoint.WithMetrics(m),
		endpoint.WithWaitTimeout(500*time.Millisecond),
		endpoint.WithReceiveTimeout(time.Second),
	)
	if err := server.Start(ctx, opts.host, opts.port, opts.backlog); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("Failed to stop server", "error", err)
		}
		slog.Info("Server stopped")
	}()

	buf := make([]byte, opts.bufferSize)
	for {
		client, err := server.GetClient(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.InfoContext(ctx, "Shutting down server")
				return nil
			}
			return err
		}
		serveClient(ctx, server, client, buf, opts.echo)
	}
}

func serveClient(ctx context.Context, server *endpoint.Server, client *endpoint.Client, buf []byte, echo bool) {
	defer func() {
		if err := client.Detach(); err != nil {
			slog.WarnContext(ctx, "Failed to detach client", "sessionID", client.SessionID(), "error", err)
		}
	}()

	n, err := server.ReceiveFrom(client, buf)
	if err != nil {
		slog.WarnContext(ctx, "Failed to receive", "sessionID", client.SessionID(), "error", err)
		return
	}
	slog.InfoContext(ctx, "Received message", "sessionID", client.SessionID(), "remoteAddr", client.RemoteAddr(), "bytes", n, "message", text(buf[:n]))

	if echo && n > 0 {
		if _, err := server.SendTo(client, buf[:n]); err != nil {
			slog.WarnContext(ctx, "Failed to echo", "sessionID", client.SessionID(), "error", err)
		}
	}
}
