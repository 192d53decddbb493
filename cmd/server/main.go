package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"vidachat/internal/auth"
	"vidachat/internal/chat"
	"vidachat/internal/config"
	"vidachat/internal/database"
	"vidachat/internal/handler"
	"vidachat/internal/presence"
	"vidachat/internal/relay"
	"vidachat/internal/store"
	"vidachat/internal/upload"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using default values: %v", err)
	}

	// 環境変数を読み込み
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("❌ JWT_SECRET is required outside development")
	}

	// ストアを初期化
	s, ping, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize store: %v", err)
	}

	uploads, err := upload.NewStorage(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Fatalf("❌ Failed to initialize uploads: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dir := chat.NewDirectory(s)
	messages := chat.NewMessages(s, dir)
	hub := relay.New(dir, messages, presence.NewRegistry(nil), relay.NewMetrics(reg), relay.Options{
		TypingWindow: cfg.TypingWindow,
		EventRate:    cfg.EventRate,
		EventBurst:   cfg.EventBurst,
		IdleTimeout:  cfg.PresenceIdleTimeout,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	// ハンドラー初期化
	h := handler.New(cfg, auth.NewManager(cfg.JWTSecret, "vidachat", 0), dir, messages, hub, uploads)
	h.Gatherer = reg
	h.Ping = ping
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Vida Chat Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	fmt.Printf("  Store: %s\n", cfg.StoreDriver)
	if cfg.StoreDriver == "mysql" && cfg.DBName != "" {
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	fmt.Printf("  Uploads: %s\n", uploads.Dir())
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	go func() {
		log.Println("🚀 Server started successfully")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"vidachat": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				// WebSocket はハイジャック済みなので hub 側で閉じる
				stopHub()
				<-hubDone
				if err := server.Shutdown(ctx); err != nil {
					return err
				}
				return s.Close()
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func openStore(cfg config.Config) (store.Store, func(context.Context) error, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Println("⚠️  Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "mysql":
		db, err := database.Init(cfg)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewMySQLStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, db.PingContext, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}
