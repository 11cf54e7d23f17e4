package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"LinguaFM/cache"
	"LinguaFM/config"
	"LinguaFM/core/assetstore"
	"LinguaFM/core/content"
	"LinguaFM/core/pregen"
	"LinguaFM/core/retrieval"
	"LinguaFM/core/tts"
	"LinguaFM/core/voices"
	"LinguaFM/db"
	"LinguaFM/logger"
	"LinguaFM/repository"
	"LinguaFM/storage"
)

// Start 组装依赖并启动 HTTP 服务，阻塞到收到退出信号
func Start(cfg *config.Config) {
	// 基础设施连接
	if err := db.ConnectDB(cfg); err != nil {
		logger.Fatal("连接数据库失败", logger.ErrorField(err))
	}
	defer db.CloseDB()

	if err := db.MigrateModels(); err != nil {
		logger.Fatal("数据库迁移失败", logger.ErrorField(err))
	}

	if err := db.ConnectRedis(cfg); err != nil {
		logger.Fatal("连接 Redis 失败", logger.ErrorField(err))
	}
	defer db.CloseRedis()

	if err := storage.InitMinio(cfg); err != nil {
		logger.Fatal("初始化 MinIO 失败", logger.ErrorField(err))
	}

	// 仓储与存储层
	assetRepo := repository.NewMySQLAssetRepository(db.DB)
	jobRepo := repository.NewMySQLJobRepository(db.DB)
	statusRepo := repository.NewMySQLStatusRepository(db.DB)

	assetCache := cache.NewAssetCache(db.RedisClient, cfg.AssetCacheTTL)
	leases := cache.NewLeaseManager(db.RedisClient, cfg.LeaseTTL)
	audioStore := storage.NewAudioStore(cfg)
	store := assetstore.NewStore(assetRepo, audioStore, assetCache)

	evictor := assetstore.NewEvictor(store, leases, cfg.StorageBudget, cfg.EvictionInterval)
	evictor.Start()
	defer evictor.Stop()

	// 音色目录
	catalog, err := voices.NewCatalog(cfg.VoiceCatalogPath, cfg.DefaultVoiceID)
	if err != nil {
		logger.Fatal("加载音色目录失败", logger.ErrorField(err))
	}
	defer catalog.Close()

	// 合成链与生成管线
	chain := buildSynthesisChain(cfg)
	contentClient := content.NewClient(cfg)
	pool := pregen.NewPool(cfg, jobRepo, contentClient, chain, store, statusRepo)
	pool.Start()
	defer pool.Stop()

	enumerator := pregen.NewEnumerator(jobRepo, assetRepo, statusRepo,
		cfg.FastStartChunks, cfg.PopularLevels, catalog.DefaultID(), cfg.MaxAttempts)
	retrievalSvc := retrieval.NewService(cfg, store, jobRepo, pool, leases)

	apiHandler := NewAPIHandler(cfg, retrievalSvc, store, enumerator, contentClient,
		statusRepo, jobRepo, catalog, leases)

	// 路由
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/api/audio", apiHandler.AuthMiddleware(apiHandler.GetAudioHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/pregenerate", apiHandler.AuthMiddleware(apiHandler.PregenerateHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/audio/pregenerate/status", apiHandler.AuthMiddleware(apiHandler.PregenStatusHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/audio/invalidate", apiHandler.AuthMiddleware(apiHandler.InvalidateHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/voices", apiHandler.VoicesHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/playback", apiHandler.WSPlaybackHandler)

	// websocket 长连接不能吃全局写超时
	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("服务启动", logger.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务启动失败", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("收到退出信号，开始优雅关闭")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务强制关闭", logger.ErrorField(err))
	}
	logger.Info("服务已停止")
}

// buildSynthesisChain 按优先级组装合成链：
// ElevenLabs（带词级时间戳）→ Google TTS → 本地 espeak 兜底。
// 凭证缺失的提供方跳过，至少要有一个可用
func buildSynthesisChain(cfg *config.Config) *tts.Chain {
	var providers []tts.Provider

	if cfg.ElevenLabsAPIKey != "" {
		p := tts.NewElevenLabsProvider(cfg.ElevenLabsBaseURL, cfg.ElevenLabsAPIKey)
		providers = append(providers, tts.WithRateLimit(p, cfg.ProviderRateLimit, cfg.ProviderBurst))
	} else {
		logger.Warn("未配置 ElevenLabs API key，跳过该提供方")
	}

	if google, err := tts.NewGoogleProvider(context.Background()); err != nil {
		logger.Warn("Google TTS 不可用，跳过该提供方", logger.ErrorField(err))
	} else {
		providers = append(providers, tts.WithRateLimit(google, cfg.ProviderRateLimit, cfg.ProviderBurst))
	}

	if espeak, err := tts.NewEspeakProvider(cfg.EspeakPath); err != nil {
		logger.Warn("espeak 不可用，合成链没有本地兜底", logger.ErrorField(err))
	} else {
		providers = append(providers, espeak)
	}

	if len(providers) == 0 {
		logger.Fatal("没有任何可用的语音合成提供方")
	}

	chain := tts.NewChain(cfg.ProviderTimeout, providers...)
	logger.Info("合成链已组装", logger.Any("providers", chain.Providers()))
	return chain
}

// corsMiddleware 放开跨域，前端与本服务不同源部署
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
