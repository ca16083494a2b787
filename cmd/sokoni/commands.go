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
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/MattCruikshank/sokoni/client"
	"github.com/MattCruikshank/sokoni/internal/api"
	"github.com/MattCruikshank/sokoni/internal/conversations"
	"github.com/MattCruikshank/sokoni/internal/db"
	"github.com/MattCruikshank/sokoni/internal/metrics"
	"github.com/MattCruikshank/sokoni/internal/models"
)

// login holds what a command needs to talk to the backend.
type login struct {
	session *client.Session
	ts      *tsnet.Server
}

func (l *login) Close() {
	if l.session != nil {
		l.session.Close()
	}
	if l.ts != nil {
		l.ts.Close()
	}
}

// openCache opens the local cache, or returns nil when it is disabled.
func openCache() (*db.ClientDB, error) {
	if cfg.Cache.Path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return db.NewClientDB(cfg.Cache.Path)
}

// startSession connects a session with the loaded configuration. cacheDB,
// onEvent and reg may be nil.
func startSession(ctx context.Context, cacheDB *db.ClientDB, onEvent func(client.Event), reg prometheus.Registerer) (*login, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	pushURL, err := cfg.Backend.ResolvedPushURL()
	if err != nil {
		return nil, err
	}

	l := &login{}
	httpClient := &http.Client{Timeout: 60 * time.Second}
	dialer := &websocket.Dialer{HandshakeTimeout: 45 * time.Second, Proxy: http.ProxyFromEnvironment}

	if cfg.Tailnet.Enabled {
		if err := os.MkdirAll(cfg.Tailnet.StateDir, 0700); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to create tailnet state directory: %w", err)
		}
		l.ts = &tsnet.Server{
			Hostname: cfg.Tailnet.Hostname,
			Dir:      cfg.Tailnet.StateDir,
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		if _, err := l.ts.Up(ctx); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to join tailnet: %w", err)
		}
		httpClient.Transport = &http.Transport{DialContext: l.ts.Dial}
		dialer.NetDialContext = l.ts.Dial
		dialer.Proxy = nil
	}

	backend, err := api.New(cfg.Backend.URL,
		api.WithHTTPClient(httpClient),
		api.WithSessionCookie(cfg.Backend.CookieName, cfg.Backend.SessionCookie))
	if err != nil {
		l.Close()
		return nil, err
	}

	var cache client.Cache
	if cacheDB != nil {
		cache = cacheDB
	}

	l.session, err = client.NewSession(ctx, client.SessionConfig{
		API:         backend,
		Dialer:      dialer,
		PushURL:     pushURL,
		SelfID:      cfg.Backend.UserID,
		Logger:      logger,
		Metrics:     metrics.New(reg),
		Cache:       cache,
		SyncOptions: []conversations.Option{conversations.WithPendingLimit(cfg.Delivery.PendingEventLimit)},
		OnEvent:     onEvent,
		OnUnauthorized: func() {
			logger.Error("backend rejected the session credential; log in again")
		},
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return l, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()

	cacheDB, err := openCache()
	if err != nil {
		return err
	}
	var prefs client.Preferences
	if cacheDB != nil {
		defer cacheDB.Close()
		prefs = cacheDB
	}
	ui := client.NewUIHandler(prefs, logger.Named("ui"))
	defer ui.Close()

	l, err := startSession(ctx, cacheDB, ui.Publish, reg)
	if err != nil {
		return err
	}
	defer l.Close()
	ui.SetSession(l.session)

	if err := l.session.RefreshConversations(ctx); err != nil {
		logger.Warn("conversation list unavailable", zap.Error(err))
	}

	initial := openConversation
	if initial == "" && cacheDB != nil {
		initial, _ = cacheDB.GetPreference(db.PrefLastConversation)
	}
	if initial != "" {
		if err := l.session.OpenConversation(ctx, initial); err != nil {
			logger.Warn("failed to open conversation", zap.String("conversation_id", initial), zap.Error(err))
		}
	}

	mux := http.NewServeMux()
	ui.Routes(mux, reg)
	httpServer := &http.Server{
		Addr:              cfg.UI.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.UI.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.UI.Addr, err)
		}
		logger.Info("sokoni UI running", zap.String("url", "http://"+ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-l.session.Transport().Done():
			logger.Warn("push channel lost; restart to resume live updates")
			<-gctx.Done()
		}
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runConversations(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cacheDB, err := openCache()
	if err != nil {
		return err
	}
	if cacheDB != nil {
		defer cacheDB.Close()
	}
	l, err := startSession(ctx, cacheDB, nil, nil)
	if err != nil {
		return err
	}
	defer l.Close()

	refreshErr := l.session.RefreshConversations(ctx)
	var convs []models.Conversation
	if len(args) == 1 {
		convs = l.session.SearchConversations(args[0])
	} else {
		convs = l.session.Conversations()
	}
	if refreshErr != nil {
		if len(convs) == 0 {
			return refreshErr
		}
		logger.Warn("showing cached conversations", zap.Error(refreshErr))
	}

	out := cmd.OutOrStdout()
	for _, c := range convs {
		name := c.CounterpartyName
		if name == "" {
			name = c.CounterpartyID
		}
		when := ""
		if !c.LastMessageAt.IsZero() {
			when = c.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", c.ID, name, c.ProductName, when, c.LastMessage)
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conversationID := args[0]
	text := strings.Join(args[1:], " ")

	cacheDB, err := openCache()
	if err != nil {
		return err
	}
	if cacheDB != nil {
		defer cacheDB.Close()
	}
	l, err := startSession(ctx, cacheDB, nil, nil)
	if err != nil {
		return err
	}
	defer l.Close()

	if err := l.session.OpenConversation(ctx, conversationID); err != nil {
		return err
	}
	receipt, err := l.session.Submit(ctx, conversationID, text)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	msg, err := receipt.Wait(waitCtx)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%s\n", models.StatusFailed, err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", msg.Status, msg.ServerID)
	return nil
}
