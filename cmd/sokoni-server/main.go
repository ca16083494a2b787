package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/MattCruikshank/sokoni/internal/auth"
	"github.com/MattCruikshank/sokoni/internal/config"
	"github.com/MattCruikshank/sokoni/internal/db"
	"github.com/MattCruikshank/sokoni/server"
)

var (
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "sokoni-server",
	Short: "Development marketplace chat backend",
	Long: `Serves the conversation REST API and the push socket that sokoni talks to.

With server.auth=cookie the session cookie value is the user id. With
server.auth=tailscale the server joins the tailnet and identifies callers
with WhoIs.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if l, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(l)
	}
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	database, err := db.NewServerDB(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	var (
		ln            net.Listener
		authenticator auth.Authenticator
		publicURL     string
	)
	switch cfg.Server.Auth {
	case "tailscale":
		if err := os.MkdirAll(cfg.Tailnet.StateDir, 0700); err != nil {
			return fmt.Errorf("failed to create tailnet state directory: %w", err)
		}
		tsServer := &tsnet.Server{
			Hostname: cfg.Tailnet.Hostname,
			Dir:      cfg.Tailnet.StateDir,
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		defer tsServer.Close()

		ln, err = tsServer.ListenTLS("tcp", ":443")
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		lc, err := tsServer.LocalClient()
		if err != nil {
			return fmt.Errorf("failed to get local client: %w", err)
		}
		authenticator = auth.NewTailscaleAuthenticator(lc, database)

		publicURL = "https://" + cfg.Tailnet.Hostname
		if domains := tsServer.CertDomains(); len(domains) > 0 {
			publicURL = "https://" + domains[0]
		}
	default:
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
		}
		authenticator = auth.NewCookieAuthenticator(cfg.Backend.CookieName, database)
		publicURL = "http://" + ln.Addr().String()
	}

	hub := server.NewHub(logger.Named("hub"))
	go hub.Run()
	defer hub.Stop()

	srv := server.NewServer(hub, database, authenticator, logger.Named("api"))
	admin := server.NewAdminHandler(database, cfg.Server.AdminToken, logger.Named("admin"))
	if cfg.Server.AdminToken == "" {
		logger.Warn("admin routes are open; set SOKONI_ADMIN_TOKEN to protect them")
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(admin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sokoni server running", zap.String("url", publicURL), zap.String("auth", cfg.Server.Auth))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
