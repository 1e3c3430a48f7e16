package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rpcagent/middleware"
	"rpcagent/server"
)

// Echo is the service exposed by the serve command.
type Echo struct{}

type EchoArgs struct {
	Message string
}

type EchoReply struct {
	Message string
	Host    string
}

func (e *Echo) Echo(args *EchoArgs, reply *EchoReply) error {
	reply.Message = args.Message
	reply.Host, _ = os.Hostname()
	return nil
}

var serveFlags struct {
	listen    string
	advertise string
	ttl       int64
	grace     time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Echo service and announce it to discovery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		disc, err := newDiscovery(cfg, logger)
		if err != nil {
			return err
		}
		if c, ok := disc.(io.Closer); ok {
			defer c.Close()
		}

		srv := server.NewServer(
			server.WithLogger(logger.Named("server")),
			server.WithMiddleware(middleware.Logging(logger.Named("rpc"))),
		)
		if err := srv.Register(&Echo{}); err != nil {
			return err
		}

		ln, err := net.Listen("tcp", serveFlags.listen)
		if err != nil {
			return err
		}
		advertise := serveFlags.advertise
		if advertise == "" {
			advertise = ln.Addr().String()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := srv.Announce(ctx, disc, advertise, serveFlags.ttl); err != nil {
			ln.Close()
			return err
		}

		served := make(chan error, 1)
		go func() { served <- srv.Serve(ln) }()

		select {
		case err := <-served:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down", zap.Duration("grace", serveFlags.grace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveFlags.grace)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		if serveErr := <-served; !errors.Is(serveErr, server.ErrServerClosed) {
			logger.Warn("serve", zap.Error(serveErr))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "127.0.0.1:8001", "Address to listen on.")
	serveCmd.Flags().StringVar(&serveFlags.advertise, "advertise", "",
		"Address announced to discovery. Defaults to the listen address.")
	serveCmd.Flags().Int64Var(&serveFlags.ttl, "ttl", 10, "Discovery lease TTL in seconds.")
	serveCmd.Flags().DurationVar(&serveFlags.grace, "grace", 5*time.Second,
		"How long shutdown waits for in-flight requests.")
}
