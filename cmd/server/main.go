package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Brownie44l1/rdd-api/internal/config"
	"github.com/Brownie44l1/rdd-api/internal/fetch"
	"github.com/Brownie44l1/rdd-api/internal/handlers"
	"github.com/Brownie44l1/rdd-api/internal/logger"
	"github.com/Brownie44l1/rdd-api/internal/model"
	"github.com/Brownie44l1/rdd-api/internal/pipeline"
	"github.com/Brownie44l1/rdd-api/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	resolvePaths(cfg)

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Server failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invoker, opts, closeInvoker, err := buildInvoker(cfg, log)
	if err != nil {
		return err
	}
	defer closeInvoker()

	store, err := storage.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	artifacts, err := storage.NewArtifactDir(cfg.Storage.ArtifactsDir, cfg.Storage.ArtifactPrefix)
	if err != nil {
		return err
	}

	p := pipeline.New(opts, invoker, pipeline.NewRenderer(cfg.Storage.JPEGQuality), log.With("component", "pipeline"))
	fetcher := fetch.New(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes, log.With("component", "fetch"))

	handler := handlers.NewHandler(p, store, artifacts, fetcher, log.With("component", "http"), handlers.Options{
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		ArtifactFormat: cfg.Storage.ArtifactFormat,
	})
	router := handlers.NewRouter(handler, handlers.RouterConfig{
		AllowOrigin:    cfg.Server.AllowOrigin,
		ArtifactsDir:   artifacts.Dir(),
		ArtifactPrefix: cfg.Storage.ArtifactPrefix,
	}, log)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting",
			"address", cfg.Addr(),
			"backend", cfg.Model.Backend,
			"target_size", opts.TargetSize,
			"threshold", opts.Postprocess.ConfidenceThreshold,
			"layout", opts.Postprocess.Layout,
			"nms_iou", opts.Postprocess.IoUThreshold,
			"classes", opts.Postprocess.ClassNames,
		)
		log.Info("Endpoints",
			"health", "GET /health",
			"predict", "POST /predict",
			"predict_url", "POST /predict/url",
			"reports", "GET /all, GET /detections/:userId, GET /reports/:id, PATCH /reports/:id/status",
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigChan:
		log.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}

// buildInvoker creates the configured inference backend and the pipeline
// options that match it.
func buildInvoker(cfg *config.Config, log *logger.Logger) (pipeline.Invoker, pipeline.Options, func(), error) {
	opts := pipeline.Options{
		TargetSize:       cfg.Model.TargetSize,
		InputName:        cfg.Model.InputName,
		InferenceTimeout: cfg.Model.InferenceTimeout,
		Postprocess: pipeline.PostprocessOptions{
			RowWidth:            cfg.Model.RowWidth,
			ConfidenceThreshold: cfg.Model.Threshold(),
			Normalized:          cfg.Model.NormalizedBoxes,
			Layout:              pipeline.OutputLayout(cfg.Model.OutputLayout),
			ClassNames:          cfg.Model.ClassNames,
			IoUThreshold:        cfg.Model.NMSIoU,
		},
	}

	if cfg.Model.Backend == "remote" {
		client, err := model.NewRemoteClient(model.RemoteConfig{
			BaseURL:    cfg.Model.InferenceURL,
			ModelName:  cfg.Model.RemoteName,
			OutputName: cfg.Model.OutputName,
			Timeout:    cfg.Model.InferenceTimeout,
		}, log.With("component", "remote-model"))
		if err != nil {
			return nil, opts, nil, err
		}
		if opts.Postprocess.RowWidth == 0 {
			return nil, opts, nil, errors.New("model.row_width or model.class_names is required for the remote yolov8 backend")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.CheckHealth(ctx); err != nil {
			log.Warn("Inference server not ready yet", "url", cfg.Model.InferenceURL, "error", err)
		}
		return client, opts, func() {}, nil
	}

	log.Info("Loading model", "path", cfg.Model.Path, "metadata", cfg.Model.MetadataPath)

	metadata, err := model.LoadMetadata(cfg.Model.MetadataPath, cfg.Model.TargetSize)
	if err != nil {
		return nil, opts, nil, err
	}

	server, err := model.NewServer(model.SessionConfig{
		ModelPath:      cfg.Model.Path,
		LibraryPath:    cfg.Model.LibraryPath,
		PoolSize:       cfg.Model.PoolSize,
		IntraOpThreads: cfg.Model.IntraThreads,
	}, metadata, log.With("component", "model"))
	if err != nil {
		return nil, opts, nil, fmt.Errorf("failed to initialize model server: %w", err)
	}

	opts.TargetSize = metadata.ImageSize
	opts.InputName = metadata.InputName
	if len(opts.Postprocess.ClassNames) == 0 {
		opts.Postprocess.ClassNames = metadata.Classes
	}
	if opts.Postprocess.RowWidth == 0 {
		opts.Postprocess.RowWidth = fieldsPerBox(metadata, opts.Postprocess)
	}
	if opts.Postprocess.RowWidth == 0 {
		server.Close()
		return nil, opts, nil, fmt.Errorf("cannot derive row width from output shape %v", metadata.OutputShape)
	}
	return server, opts, server.Close, nil
}

// fieldsPerBox derives the yolov8 row width from the exported output shape,
// falling back to the class list.
func fieldsPerBox(metadata model.Metadata, pp pipeline.PostprocessOptions) int {
	if n := len(metadata.OutputShape); n >= 2 && metadata.OutputShape[n-2] > 0 {
		return int(metadata.OutputShape[n-2])
	}
	if len(pp.ClassNames) > 0 {
		return 4 + len(pp.ClassNames)
	}
	return 0
}

// resolvePaths anchors relative model and data paths at the project root
// when the binary is started from cmd/server.
func resolvePaths(cfg *config.Config) {
	wd, err := os.Getwd()
	if err != nil || filepath.Base(wd) != "server" {
		return
	}
	root := filepath.Join(wd, "../..")

	for _, p := range []*string{
		&cfg.Model.Path,
		&cfg.Model.MetadataPath,
		&cfg.Storage.DatabasePath,
		&cfg.Storage.ArtifactsDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}
