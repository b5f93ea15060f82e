package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/config"
	"fedchat-backend/internal/database"
	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/handlers"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/logging"
	"fedchat-backend/internal/presence"
	"fedchat-backend/internal/sessions"
	"fedchat-backend/internal/snowflake"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

func setupRedis(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	b := retry.WithMaxRetries(30, retry.NewConstant(1*time.Second))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			sugar.Warnf("Redis is not reachable yet: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// setupSelf makes sure this server's own row and the configured admin user
// exist. The admin's password is reset to the configured one on every start.
func setupSelf(ctx context.Context, cfg *config.Config, store *database.Store, sugar *zap.SugaredLogger) error {
	if _, err := store.EnsureServer(ctx, cfg.ServerName, cfg.BaseURL, cfg.ServerToken); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), 12)
	if err != nil {
		return err
	}
	passwordHash := string(hash)

	admin, err := store.GetUserByName(ctx, cfg.AdminUsername, nil)
	if err != nil {
		return err
	}
	if admin != nil {
		return store.SetPasswordHash(ctx, admin.ID, passwordHash)
	}

	if _, err := store.CreateUser(ctx, cfg.AdminUsername, nil, &passwordHash); err != nil {
		return err
	}
	sugar.Infof("Created local user %s", cfg.AdminUsername)
	return nil
}

func run(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) error {
	store, err := database.Open(ctx, cfg, sugar.Named("database"))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := setupSelf(ctx, cfg, store, sugar); err != nil {
		return err
	}

	var redisClient *redis.Client
	if !cfg.SelfContained {
		sugar.Info("Connecting to redis...")
		redisClient, err = setupRedis(ctx, cfg, sugar)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	node, err := snowflake.NewNode(cfg.SnowflakeWorkerID)
	if err != nil {
		return err
	}

	onlineUsers := presence.New()
	roster := calls.NewRoster()
	federationLog := sugar.Named("federation")

	client := &http.Client{Timeout: cfg.FederationTimeout}
	outbox := federation.NewOutbox(client, store, cfg.ServerName, cfg.ServerToken, federationLog)
	defer outbox.Wait()

	notifications := hub.New(sugar.Named("hub"), hub.Options{
		ServerName:   cfg.ServerName,
		Presence:     onlineUsers,
		Roster:       roster,
		Redis:        redisClient,
		OnDisconnect: outbox.BroadcastCallLeave,
	})

	inbox := federation.NewInbox(federation.InboxDeps{
		Store:     store,
		Validator: federation.NewValidator(store, cfg.ServerName, cfg.ServerToken),
		Outbox:    outbox,
		Presence:  onlineUsers,
		Roster:    roster,
		Hub:       notifications,
		LocalName: cfg.ServerName,
		Logger:    federationLog,
	})
	syncer := federation.NewSyncer(federation.SyncerDeps{
		Store:     store,
		Outbox:    outbox,
		Presence:  onlineUsers,
		Hub:       notifications,
		LocalName: cfg.ServerName,
		Interval:  cfg.SyncInterval,
		Timeout:   cfg.SyncTimeout,
		Logger:    sugar.Named("sync"),
	})

	h := handlers.New(handlers.Deps{
		Config:    cfg,
		Store:     store,
		Sessions:  sessions.New(),
		Presence:  onlineUsers,
		Roster:    roster,
		Hub:       notifications,
		Outbox:    outbox,
		Inbox:     inbox,
		Syncer:    syncer,
		Snowflake: node,
		Logger:    sugar.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notifications.Run(ctx)
	})
	g.Go(func() error {
		syncer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sugar.Infof("Server %s is running on %s", cfg.ServerName, cfg.BaseURL)

		var err error
		if cfg.IsHTTPS() {
			err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Reading configuration...")
	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Println("Setting up logger...")
	sugar, err := logging.NewLogger(cfg.LogLevel, cfg.LogToFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer sugar.Sync()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatal(err)
	}
}
