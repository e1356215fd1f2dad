package main

import (
	"log"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"shelfscan/internal/app"
	"shelfscan/internal/config"
	"shelfscan/internal/ratelimit"
	"shelfscan/internal/server"
	"shelfscan/internal/util"
	"shelfscan/pkg/ai"
	"shelfscan/pkg/imaging"
	"shelfscan/pkg/ocr"
	"shelfscan/pkg/storage"
	"shelfscan/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtTTL, err := config.ParseDuration(cfg.JWTTTL, 24*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse jwtTTL: %v", err)
	}
	sessionTTL, err := config.ParseDuration(cfg.SessionTTL, 12*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse sessionTTL: %v", err)
	}
	structureTimeout, err := config.ParseDuration(cfg.StructureTimeout, 60*time.Second)
	if err != nil {
		log.Fatalf("failed to parse structureTimeout: %v", err)
	}
	extractTimeout, err := config.ParseDuration(cfg.ExtractTimeout, 30*time.Second)
	if err != nil {
		log.Fatalf("failed to parse extractTimeout: %v", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	sessions := store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, sessionTTL)
	tokens, err := store.NewJWTTokenService(cfg.JWTSecret, jwtTTL, store.JWTOptions{})
	if err != nil {
		log.Fatalf("failed to init token service: %v", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	processedDir := filepath.Join(dataDir, "processed")
	normalizer, err := imaging.NewNormalizer(processedDir, imaging.Options{
		MaxWidth: cfg.MaxImageWidth,
		Quality:  cfg.JPEGQuality,
	})
	if err != nil {
		log.Fatalf("failed to init normalizer: %v", err)
	}

	extractor, err := ocr.NewGoogleVisionExtractor(cfg.VisionAPIKey)
	if err != nil {
		log.Fatalf("failed to init ocr extractor: %v", err)
	}
	extractor.WithTimeout(extractTimeout)
	structurer, err := newStructurer(cfg)
	if err != nil {
		log.Fatalf("failed to init structurer: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		objects = minioStore
	}

	appCore, err := app.New(st, sessions, normalizer, extractor, structurer, objects, app.Options{
		UploadDir:        filepath.Join(dataDir, "uploads"),
		ProcessedDir:     processedDir,
		ResultDir:        filepath.Join(dataDir, "result"),
		WorkerCount:      cfg.WorkerCount,
		MinLineLength:    cfg.MinLineLength,
		StructureTimeout: structureTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	registerLimiter, err := newLimiter(cfg, "register", cfg.RegisterRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init register limiter: %v", err)
	}
	loginLimiter, err := newLimiter(cfg, "login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init login limiter: %v", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		Tokens:          tokens,
		RegisterLimiter: registerLimiter,
		LoginLimiter:    loginLimiter,
		MaxUploadBytes:  cfg.MaxUploadBytes,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("shelfscan server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func newStructurer(cfg config.FileConfig) (ai.SpineStructurer, error) {
	switch cfg.StructurerProvider {
	case "gemini":
		return ai.NewGeminiStructurer(cfg.GeminiAPIKey, cfg.GeminiModel)
	default:
		return ai.NewOpenAICompatStructurer(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	}
}

func newLimiter(cfg config.FileConfig, route string, perMinute int) (*ratelimit.FixedWindowLimiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	return ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "shelfscan:ratelimit:"+route, perMinute, time.Minute)
}
