package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"folio/internal/commands"
	"folio/internal/config"
	"folio/internal/filestore"
	"folio/internal/http"
	"folio/internal/live"
	"folio/internal/notify"
	"folio/internal/resolve"
	"folio/internal/session"
	"folio/internal/store"
	"folio/internal/window"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddParticipant(ctx, addUser, cfg)
	}

	db, err := store.NewBboltStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	sessions, err := session.NewService(ctx, session.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}, db)
	if err != nil {
		return err
	}

	// Conversations and messages can live in Postgres; credentials and
	// push subscriptions always stay in the embedded database.
	var conversations store.ConversationStore = db
	var messages store.MessageStore = db
	if cfg.StoreBackend == config.BackendPostgres {
		pg, err := store.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		conversations = pg
		messages = pg
	}

	hub := live.NewHub()

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.RedisAddr != "" {
		bridge := live.NewRedisBridge(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}))
		hub.SetBridge(bridge)
		g.Go(func() error {
			bridge.Run(gCtx, hub)
			return nil
		})
	}

	pusher := notify.NewPusher(notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, db)
	if pusher.Enabled() {
		hub.SetOffline(pusher.NotifyOffline)
	}

	images, err := filestore.NewLocalImageStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	resolver := resolve.New(conversations)
	fanout := live.NewFanoutStore(messages, conversations, hub)

	apiServer := http.NewAPIServer(
		sessions,
		resolver,
		fanout,
		window.HubChannel(hub),
		images,
		pusher,
		hub,
		cfg.APIAddr,
	)

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates participant with random password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
