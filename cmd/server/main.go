package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/forensics-api/internal/config"
	"github.com/Brownie44l1/forensics-api/internal/handlers"
	"github.com/Brownie44l1/forensics-api/internal/logger"
	"github.com/Brownie44l1/forensics-api/internal/middleware"
	"github.com/Brownie44l1/forensics-api/internal/model"
	"github.com/Brownie44l1/forensics-api/internal/preprocess"
	"github.com/Brownie44l1/forensics-api/internal/service"
	"github.com/Brownie44l1/forensics-api/internal/system"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (default: $CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Log.Service, logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(ctx, "server stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	env, envErr := model.NewEnvironment(cfg.Runtime.SharedLibraryPath)
	if envErr != nil {
		if cfg.Models.RequireAll {
			return envErr
		}
		logger.Error(ctx, "ONNX runtime unavailable, models will not be served", envErr)
	} else {
		defer env.Close()
	}

	forgery, stegano, err := loadModels(ctx, cfg, envErr)
	if err != nil {
		return err
	}
	defer forgery.Close()
	defer stegano.Close()

	ela := preprocess.ELA{Quality: cfg.ELA.Quality, TempDir: cfg.ELA.TempDir}
	svc := service.New(service.Options{
		Forgery: service.NewForgeryPipeline(forgery.Classifier, ela, cfg.Models.Forgery.ImageSize, cfg.Models.Forgery.Labels),
		Stegano: service.NewSteganoPipeline(stegano.Classifier, cfg.Models.Stegano.ImageSize, cfg.Models.Stegano.Labels),
		ELA:     ela,
		Models:  []*model.Model{forgery, stegano},
	})

	var stats handlers.StatsSource
	if monitor, err := system.NewMonitor(); err != nil {
		logger.Warn(ctx, "system stats disabled", logger.Fields{"error": err.Error()})
	} else {
		stats = monitor
	}

	mux := http.NewServeMux()
	handlers.NewHandler(svc, stats, cfg.Server.MaxUploadBytes).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           middleware.Chain(mux, middleware.RequestID, middleware.AccessLog, middleware.Recover, middleware.CORS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(cfg, forgery, stegano)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "server starting", logger.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info(context.Background(), "shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadModels brings both classifiers up in parallel. A failed model is
// replaced by a stand-in that fails its requests unless RequireAll is set.
// A non-nil envErr means the runtime itself is missing and every load fails.
func loadModels(ctx context.Context, cfg config.Config, envErr error) (*model.Model, *model.Model, error) {
	specs := []model.Spec{forgerySpec(cfg), steganoSpec(cfg)}
	loaded := make([]*model.Model, len(specs))

	g, _ := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			start := time.Now()
			var m *model.Model
			err := envErr
			if err == nil {
				m, err = model.Load(spec)
			}
			if err != nil {
				if cfg.Models.RequireAll {
					return err
				}
				logger.Error(ctx, "failed to load model", err, logger.Fields{"model": spec.Name, "path": spec.Path})
				loaded[i] = model.Unloaded(spec.Name, err)
				return nil
			}

			fields := logger.Fields{
				"model":    spec.Name,
				"path":     spec.Path,
				"duration": time.Since(start).String(),
			}
			if m.Head != nil && m.Head.CheckpointErr != nil {
				logger.Warn(ctx, "head checkpoint unreadable, serving freshly initialised head", logger.Fields{
					"model":      spec.Name,
					"checkpoint": cfg.Models.Stegano.Head.Checkpoint,
					"error":      m.Head.CheckpointErr.Error(),
				})
			}
			if m.Head != nil {
				fields["head_loaded"] = m.Head.Loaded
				fields["head_reinitialized"] = m.Head.Reinitialized()
				fields["head_excluded"] = m.Head.Excluded
				fields["checkpoint_unexpected"] = len(m.Head.Unexpected)
			}
			logger.Info(ctx, "model loaded", fields)
			loaded[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range loaded {
			if m != nil {
				m.Close()
			}
		}
		return nil, nil, err
	}
	return loaded[0], loaded[1], nil
}

func forgerySpec(cfg config.Config) model.Spec {
	size := int64(cfg.Models.Forgery.ImageSize)
	return model.Spec{
		Name:         "forgery",
		Path:         cfg.Models.Forgery.Path,
		MetadataPath: cfg.Models.Forgery.MetadataPath,
		Defaults: model.Metadata{
			InputName:   "input",
			OutputName:  "output",
			InputShape:  []int64{1, size, size, 3},
			OutputShape: []int64{1, int64(len(cfg.Models.Forgery.Labels))},
			Output:      model.OutputProbabilities,
		},
		Classes: len(cfg.Models.Forgery.Labels),
	}
}

func steganoSpec(cfg config.Config) model.Spec {
	mc := cfg.Models.Stegano
	size := int64(mc.ImageSize)
	spec := model.Spec{
		Name:         "stegano",
		Path:         mc.Path,
		MetadataPath: mc.MetadataPath,
		Defaults: model.Metadata{
			InputName:   "input",
			OutputName:  "output",
			InputShape:  []int64{1, 3, size, size},
			OutputShape: []int64{1, int64(len(mc.Labels))},
			Output:      model.OutputLogits,
		},
		Classes: len(mc.Labels),
	}
	if mc.Head.Checkpoint != "" {
		spec.Defaults.OutputName = "features"
		spec.Defaults.OutputShape = []int64{1, int64(mc.Head.InFeatures)}
		spec.Defaults.Output = model.OutputFeatures
		spec.Head = &model.HeadSpec{
			Checkpoint:  mc.Head.Checkpoint,
			LoadOptions: model.LoadOptions{Prefix: mc.Head.Prefix, Exclude: mc.Head.Exclude},
			InFeatures:  mc.Head.InFeatures,
			Seed:        mc.Head.Seed,
		}
	}
	return spec
}

func printBanner(cfg config.Config, models ...*model.Model) {
	title := color.New(color.FgCyan, color.Bold)
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	title.Fprintf(os.Stderr, "Image forensics API on %s\n", cfg.Addr())
	for _, m := range models {
		state := ok("loaded")
		if !m.Available() {
			state = bad("unavailable: " + m.Err.Error())
		}
		fmt.Fprintf(os.Stderr, "  model %-8s %s\n", m.Name, state)
	}
	fmt.Fprintln(os.Stderr, "Endpoints:")
	fmt.Fprintln(os.Stderr, "  GET  /health          - Health check")
	fmt.Fprintln(os.Stderr, "  POST /predict         - Forgery detection (ELA)")
	fmt.Fprintln(os.Stderr, "  POST /predict_stegano - Steganography detection")
	fmt.Fprintln(os.Stderr, "  POST /ela             - Error level analysis image")
	fmt.Fprintf(os.Stderr, "\nUpload test: curl -X POST -F \"file=@photo.jpg\" http://localhost:%s/predict\n\n", cfg.Server.Port)
}
