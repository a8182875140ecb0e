package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/framewire/internal/auth"
	"github.com/danmuck/framewire/internal/config"
	"github.com/danmuck/framewire/internal/observability"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/danmuck/framewire/internal/server"
	"github.com/danmuck/framewire/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var listen, admin string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a frame server that echoes or forwards CmdData frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			if admin != "" {
				cfg.AdminAddr = admin
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "frame listen address (default: config listen_addr)")
	cmd.Flags().StringVar(&admin, "admin", "", "admin http address, empty string in config disables it")
	return cmd
}

func newServer(cfg config.Config) *server.Server {
	router := server.NewRouter()
	if cfg.Forward.Enabled {
		router.Handle(schema.CmdData, newForwarder(cfg))
	} else {
		router.Handle(schema.CmdData, server.Echo())
	}
	return server.New(server.Options{
		Node:             cfg.Name,
		Stream:           cfg.StreamOptions(observability.StreamObserver{Node: cfg.Name}),
		Session:          cfg.SessionConfig(),
		Validator:        auth.ForToken(cfg.Token),
		RequireHandshake: cfg.RequireHandshake,
		Router:           router,
	})
}

// newForwarder keeps each forwarded chunk inside one frame.
func newForwarder(cfg config.Config) *server.Forwarder {
	chunk := cfg.ReadBufferSize
	if chunk <= 0 {
		chunk = server.DefaultForwardChunkSize
	}
	if uint64(chunk) > uint64(cfg.MaxFrameSize) {
		chunk = int(cfg.MaxFrameSize)
	}
	return server.NewForwarder(server.ForwardOptions{
		Node:        cfg.Name,
		Host:        cfg.Forward.Host,
		MaxStreams:  cfg.Forward.MaxStreams,
		DialTimeout: cfg.Forward.DialTimeout,
		ChunkSize:   chunk,
	})
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := transport.Listen(ctx, cfg.TransportConfig(""))
	if err != nil {
		return err
	}
	srv := newServer(cfg)

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		go func() {
			adminErr <- serveAdmin(ctx, addr, cfg, srv)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			cancel()
			<-serveErr
			return err
		}
		return <-serveErr
	}
}

func serveAdmin(ctx context.Context, addr string, cfg config.Config, srv *server.Server) error {
	router := observability.NewAdminRouter(observability.AdminOptions{
		Node:        cfg.Name,
		CorsOrigins: cfg.CorsOrigins,
		Ready:       srv.Ready,
		Connections: func() any { return srv.Snapshot() },
	})
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("framectl.serveAdmin listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
