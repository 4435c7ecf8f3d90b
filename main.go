package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/cache"
	"github.com/chaos-io/lookbook/compose"
	"github.com/chaos-io/lookbook/config"
	"github.com/chaos-io/lookbook/cutout"
	"github.com/chaos-io/lookbook/encode"
	"github.com/chaos-io/lookbook/geometry"
	"github.com/chaos-io/lookbook/handler"
	"github.com/chaos-io/lookbook/loader"
	"github.com/chaos-io/lookbook/middleware"
	"github.com/chaos-io/lookbook/preview"
	"github.com/chaos-io/lookbook/rembg"
	"github.com/chaos-io/lookbook/segment"
	"github.com/chaos-io/lookbook/util"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	cfg := config.New()

	if err := util.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Logger.Info("starting lookbook server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch))

	util.MaxPixels = cfg.Upload.MaxPixels
	util.MaxDownloadBytes = cfg.Loader.MaxBytes

	// 抠图结果缓存，Redis 不可用时关闭
	var cutoutCache cutout.Cache
	if cfg.Redis.Enabled {
		redisCache := cache.NewRedisCache(cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
			Prefix:   cfg.Redis.Prefix,
		})
		defer redisCache.Close()
		if err := redisCache.Ping(context.Background()); err != nil {
			util.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		} else {
			util.Logger.Info("redis connected successfully")
			cutoutCache = redisCache
		}
	}

	segmenter := segment.New(segment.Options{
		MinRatio:   cfg.Segment.MinRatio,
		Iterations: cfg.Segment.Iterations,
		Components: cfg.Segment.Components,
		BlurSigma:  cfg.Segment.BlurSigma,
	})

	var remover rembg.Remover
	if cfg.Matting.Enabled {
		remover = rembg.WithTimeout(rembg.NewBiRefNetRemBG(cfg.Matting.BaseURL, cfg.Matting.PollInterval), cfg.Matting.Timeout)
		util.Logger.Info("matting enabled", zap.String("base_url", cfg.Matting.BaseURL))
	}

	cutoutService := cutout.NewService(segmenter, remover, cutoutCache, cutout.Options{
		MaxSize:       cfg.Segment.MaxSize,
		MaxConcurrent: cfg.Segment.MaxConcurrent,
		QueueTimeout:  cfg.Segment.QueueTimeout,
	})

	sources := loader.NewCachingLoader(&loader.Router{
		File:   loader.NewFileLoader(cfg.Loader.Root),
		Remote: loader.NewHTTPLoader(cfg.Loader.FetchTimeout),
	}, cfg.Loader.CacheTTL)
	purge, err := sources.StartPurge(cfg.Loader.PurgeSpec)
	if err != nil {
		util.Logger.Fatal("invalid loader purge spec", zap.String("spec", cfg.Loader.PurgeSpec), zap.Error(err))
	}
	defer purge.Stop()

	resolver := &geometry.Resolver{
		CanvasWidth:  cfg.Geometry.CanvasWidth,
		CanvasHeight: cfg.Geometry.CanvasHeight,
		BoxWidth:     cfg.Geometry.BoxWidth,
		BoxHeight:    cfg.Geometry.BoxHeight,
		YOffset:      cfg.Geometry.YOffset,
		MaxSide:      cfg.Geometry.MaxSide,
	}
	encoder := &encode.SizeEncoder{
		TargetBytes:  cfg.Encode.TargetKB * 1024,
		StartQuality: cfg.Encode.StartQuality,
		Step:         cfg.Encode.Step,
		FloorQuality: cfg.Encode.FloorQuality,
	}
	if err := encoder.Validate(); err != nil {
		util.Logger.Fatal("invalid encode config", zap.Error(err))
	}
	previewService := preview.NewService(sources, compose.NewCompositor(resolver, compose.DefaultPalette, cfg.Loader.Workers),
		encoder, preview.Options{FetchTimeout: cfg.Loader.FetchTimeout, Workers: cfg.Loader.Workers})

	info := handler.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		BuildID:   BuildID,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
	}

	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())
	r.MaxMultipartMemory = cfg.Upload.MaxSize

	r.GET("/health", handler.Health(info))
	r.GET("/version", handler.Version(info))

	api := r.Group("/api/v1")
	{
		api.POST("/remove-bg", handler.NewCutoutHandler(cutoutService, cfg.Upload.MaxSize).RemoveBackground)
		api.POST("/previews", handler.NewPreviewHandler(previewService).Render)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	util.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil {
		util.Logger.Fatal("failed to start server", zap.Error(err))
	}
}
