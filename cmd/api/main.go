package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/handler"
	chatHandler "github.com/zhouzirui/chat-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/backend/internal/metrics"
	"github.com/zhouzirui/chat-relay/backend/internal/relay"
	"github.com/zhouzirui/chat-relay/backend/internal/service/chat"
	emotionservice "github.com/zhouzirui/chat-relay/backend/internal/service/emotion"
	"github.com/zhouzirui/chat-relay/backend/internal/service/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := chat.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	// 对象存储可选，未配置时拒绝文件相关命令
	var blobs *storage.Service
	if cfg.Storage.Enabled() {
		blobs, err = storage.New(cfg.Storage)
		if err == nil {
			err = blobs.EnsureBucket(ctx)
		}
		if err != nil {
			log.Printf("warning: object storage unavailable: %v", err)
			blobs = nil
		} else {
			log.Printf("object storage ready, bucket=%s", cfg.Storage.Bucket)
		}
	} else {
		log.Println("MINIO_URL 未配置，跳过文件存储初始化")
	}

	// 情绪标注：配置了 Ark 时使用大模型，否则使用启发式规则
	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
			chatModel = nil
		}
	} else {
		log.Println("Ark 凭证未配置，情绪标注使用启发式规则")
	}
	emotionSvc, err := emotionservice.NewService(ctx, chatModel, emotionservice.Config{Enabled: cfg.AI.EmotionLLMEnabled})
	if err != nil {
		log.Fatalf("failed to initialize emotion service: %v", err)
	}
	if emotionSvc.Enabled() {
		log.Println("Emotion classifier service enabled")
	}

	chatOpts := []chat.Option{chat.WithAnnotator(emotionSvc)}
	relayMetrics := metrics.New()
	relayOpts := []relay.Option{relay.WithMetrics(relayMetrics)}
	var httpBlobs chatHandler.Blobs
	if blobs != nil {
		chatOpts = append(chatOpts, chat.WithFileResolver(blobs))
		relayOpts = append(relayOpts, relay.WithBlobStore(blobs))
		httpBlobs = blobs
	}

	chatService := chat.NewService(db, chatOpts...)
	rl := relay.New(cfg.Relay, chatService, relayOpts...)

	router := handler.NewRouter(chatService, rl, httpBlobs, relayMetrics)

	startServer(ctx, cfg.Server, router, func(shutdownCtx context.Context) {
		rl.Shutdown(shutdownCtx)
		chatService.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, cleanup func(context.Context)) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Printf("chat relay listening on %s", addr)
	if err := runServer(ctx, srv, cleanup); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, cleanup func(context.Context)) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Shutdown 不跟踪被劫持的 WebSocket 连接，需要单独关闭
		cleanup(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cleanup(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
