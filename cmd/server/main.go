package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"studychat/internal/chat"
	"studychat/internal/config"
	"studychat/internal/db"
	"studychat/internal/logging"
	myMiddleware "studychat/internal/middleware"
	"studychat/internal/presence"
	"studychat/internal/session"
	"studychat/internal/user"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ server terminated: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Config & Logging
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return exitConfig, err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return exitConfig, err
	}
	defer log.Sync()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		return exitRuntime, fmt.Errorf("connect to postgres: %w", err)
	}
	log.Info("✅ Connected to PostgreSQL")

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.AutoMigrate(migrateCtx); err != nil {
		return exitRuntime, fmt.Errorf("migrate: %w", err)
	}
	log.Info("✅ Database schema initialized")

	// 3. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return exitRuntime, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("✅ Connected to Redis", zap.String("addr", cfg.RedisAddr))

	// 4. Users & Sessions
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo)
	sessions := session.NewManager(session.NewRedisStore(redisClient, ""), userRepo, session.Config{
		Secret:     cfg.SessionSecret,
		CookieName: cfg.SessionCookie,
		TTL:        cfg.SessionTTL,
	})
	userHandler := user.NewHandler(userService, sessions, log.Named("user"))
	authMiddleware := myMiddleware.NewAuthMiddleware(sessions)

	// 5. Message store
	var (
		store    chat.Store
		badgerDB *badger.DB
	)
	switch cfg.MessageStore {
	case config.StoreDriverBadger:
		badgerDB, err = badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return exitRuntime, fmt.Errorf("open badger at %s: %w", cfg.BadgerPath, err)
		}
		store = chat.NewBadgerRepository(badgerDB, userRepo, log.Named("badger"))
		log.Info("✅ Messages stored in Badger", zap.String("path", cfg.BadgerPath))
	default:
		store = chat.NewRepository(database.Conn)
	}
	store = chat.NewCachedStore(store, redisClient, cfg.HistoryCacheTTL, log.Named("history-cache"))

	// 6. Realtime core
	gateway := chat.NewGateway(store)
	registry := presence.NewRegistry()
	hub := chat.NewHub(log.Named("hub"))
	protocol := chat.NewProtocol(hub, registry, gateway, chat.ProtocolConfig{
		MaxMessageLength: cfg.MaxMessageLength,
		HistoryLimit:     cfg.HistoryLimit,
	}, log.Named("protocol"))
	chatHandler := chat.NewHandler(protocol, registry, gateway, cfg.SendBufferSize, log.Named("ws"))

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Post("/logout", userHandler.Logout)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", chatHandler.ServeWs)
		r.Get("/api/rooms/{roomID}/messages", chatHandler.GetRoomHistory)
		r.Get("/api/rooms/{roomID}/online", chatHandler.GetOnlineUsers)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(chatHandler.CloseAll)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("🚀 Server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 8. Graceful shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				log.Info("shutting down http server")
				errs := []error{srv.Shutdown(ctx), redisClient.Close(), database.Close()}
				if badgerDB != nil {
					errs = append(errs, badgerDB.Close())
				}
				return errors.Join(errs...)
			},
		},
	)

	select {
	case err := <-serverErr:
		return exitRuntime, fmt.Errorf("http server: %w", err)
	case code := <-wait:
		log.Info("server exited", zap.Int("code", code))
		return code, nil
	}
}
