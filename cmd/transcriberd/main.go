package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters/bailian"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters/openai"
	"github.com/joseph-ayodele/transcript-pipeline/internal/adapters/ytdlp"
	"github.com/joseph-ayodele/transcript-pipeline/internal/async"
	"github.com/joseph-ayodele/transcript-pipeline/internal/bus"
	"github.com/joseph-ayodele/transcript-pipeline/internal/cache"
	"github.com/joseph-ayodele/transcript-pipeline/internal/common"
	"github.com/joseph-ayodele/transcript-pipeline/internal/export"
	"github.com/joseph-ayodele/transcript-pipeline/internal/httpapi"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
	"github.com/joseph-ayodele/transcript-pipeline/internal/jobs"
	"github.com/joseph-ayodele/transcript-pipeline/internal/metrics"
	"github.com/joseph-ayodele/transcript-pipeline/internal/pipeline"
	repo "github.com/joseph-ayodele/transcript-pipeline/internal/repository"
	svc "github.com/joseph-ayodele/transcript-pipeline/internal/server"
	"github.com/joseph-ayodele/transcript-pipeline/internal/storage"
)

func main() {
	if err := common.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(2)
	}
	cfg := common.LoadConfig()
	logger := common.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("transcriberd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	store, err := repo.Open(ctx, cfg.Database, logger)
	if err != nil {
		return common.WrapError(err, "open job store")
	}
	defer repo.Close(store, logger)
	if err := repo.HealthCheck(ctx, store, 5*time.Second, logger); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hubOpts := []hub.Option{hub.WithBuffer(cfg.Pipeline.SubscriberBuffer), hub.WithMetrics(m)}
	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return common.WrapError(err, "connect nats")
		}
		defer nc.Close()
		hubOpts = append(hubOpts, hub.WithMirror(bus.NewEventMirror(nc, cfg.NATS.SubjectPrefix)))
		logger.Info("mirroring job events to nats", "prefix", cfg.NATS.SubjectPrefix)
	}
	events := hub.New(logger, hubOpts...)

	audio, err := cache.New(cfg.Cache.AudioDir,
		cache.WithStaleAfter(cfg.Cache.StaleAfter),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
	)
	if err != nil {
		return common.WrapError(err, "open audio cache")
	}

	registry, err := transcribers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if !registry.Has(constants.Provider(cfg.Pipeline.DefaultProvider)) {
		logger.Warn("default provider is not configured; jobs must name a provider", "provider", cfg.Pipeline.DefaultProvider)
	}
	if cfg.Formatter.APIKey == "" {
		logger.Warn("DEEPSEEK_API_KEY is empty; formatting will fail")
	}
	formatter := openai.NewClient(openai.Config{
		APIKey:      cfg.Formatter.APIKey,
		BaseURL:     cfg.Formatter.BaseURL,
		Model:       cfg.Formatter.Model,
		Prompt:      cfg.Formatter.Prompt,
		Temperature: 0.7,
		Timeout:     cfg.Formatter.Timeout,
	}, nil, logger.With("adapter", "formatter"))

	exec := pipeline.NewExecutor(pipeline.Deps{
		Repo:         store,
		Cache:        audio,
		Downloader:   ytdlp.New(ytdlp.Config{Binary: cfg.Download.YTDLPPath, Format: cfg.Download.Format}, nil, logger),
		Transcribers: registry,
		Formatter:    formatter,
		Hub:          events,
		Metrics:      m,
	}, pipeline.Config{
		DownloadTimeout:    cfg.Pipeline.DownloadTimeout,
		TranscribeTimeout:  cfg.Pipeline.TranscribeTimeout,
		FormatTimeout:      cfg.Pipeline.FormatTimeout,
		CheckpointInterval: cfg.Pipeline.CheckpointInterval,
	}, logger)

	runner := async.NewRunner(logger, async.WithMaxConcurrent(cfg.Pipeline.MaxConcurrentJobs))
	service := jobs.NewService(store, exec, events, runner, registry, m, jobs.Options{
		DefaultProvider: constants.Provider(cfg.Pipeline.DefaultProvider),
		AllowedHosts:    cfg.Pipeline.AllowedHosts,
	}, logger)

	var lis net.Listener
	if cfg.Server.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return common.WrapError(err, "listen "+cfg.Server.GRPCAddr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		api := httpapi.New(service, export.NewService(service, logger), httpapi.Config{
			CORSOrigins: cfg.Server.CORSOrigins,
			Health:      store.Ping,
			Gatherer:    reg,
		}, logger)
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return common.WrapError(err, "http serve")
			}
			return nil
		})
	}

	var grpcServer *grpc.Server
	if lis != nil {
		grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(svc.UnaryLogger(logger)),
			grpc.ChainStreamInterceptor(svc.StreamLogger(logger)),
		)
		svc.Register(grpcServer, svc.NewJobsService(service, logger))

		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(svc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

		g.Go(func() error {
			logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return common.WrapError(err, "grpc serve")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}
		if grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcServer.Stop()
			}
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pipeline runs did not drain", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// transcribers registers every provider whose credentials are present.
func transcribers(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()

	if cfg.OpenAI.APIKey != "" {
		registry.Register(constants.ProviderOpenAI, openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout,
		}, nil, logger.With("adapter", "openai")))
	} else {
		logger.Warn("OPENAI_API_KEY is empty; provider disabled", "provider", constants.ProviderOpenAI)
	}

	switch {
	case cfg.Bailian.APIKey == "":
		logger.Warn("DASHSCOPE_API_KEY is empty; provider disabled", "provider", constants.ProviderBailian)
	case !cfg.StorageEnabled():
		logger.Warn("object storage is not configured; provider disabled", "provider", constants.ProviderBailian)
	default:
		store, err := storage.New(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, common.WrapError(err, "open object storage")
		}
		registry.Register(constants.ProviderBailian, bailian.NewClient(bailian.Config{
			APIKey:          cfg.Bailian.APIKey,
			BaseURL:         cfg.Bailian.BaseURL,
			Model:           cfg.Bailian.Model,
			Language:        cfg.Bailian.Language,
			PollInterval:    cfg.Bailian.PollInterval,
			MaxPollFailures: cfg.Bailian.MaxPollFailures,
		}, store, &http.Client{Timeout: cfg.Bailian.Timeout}, logger.With("adapter", "bailian")))
	}
	return registry, nil
}
