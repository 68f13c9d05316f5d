package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
	"github.com/sonara-ai/callbridge/pkg/bridge/callctrl"
	"github.com/sonara-ai/callbridge/pkg/bridge/config"
	"github.com/sonara-ai/callbridge/pkg/bridge/model"
	"github.com/sonara-ai/callbridge/pkg/bridge/server"
	"github.com/sonara-ai/callbridge/pkg/bridge/store"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(path string) (*store.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:   config.LoadFromEnv,
		openStore:    store.Open,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) },
		signalStop:   signal.Stop,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil || deps.openStore == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := deps.openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var scheduler backend.Scheduler
	var directory backend.Directory
	if cfg.BackendURL != "" {
		client := backend.NewHTTPClient(cfg.BackendURL, cfg.BackendAPIKey, cfg.ToolTimeout)
		scheduler = client
		directory = client
	} else {
		logger.Warn("CALLBRIDGE_BACKEND_URL not set, booking tools will fail over to messages")
		scheduler = backend.NewHTTPClient("", "", cfg.ToolTimeout)
	}

	carrier := callctrl.New(cfg.CallControlURL, cfg.CallControlAPIKey, cfg.ToolTimeout, logger)

	srv := server.New(cfg, server.Deps{
		Scheduler:   scheduler,
		Directory:   directory,
		Records:     db,
		CallControl: carrier,
		DialModel: func(ctx context.Context) (model.Stream, error) {
			return model.Dial(ctx, model.ClientConfig{
				URL:          cfg.ModelURL,
				APIKey:       cfg.ModelAPIKey,
				Model:        cfg.ModelName,
				WriteTimeout: cfg.WSWriteTimeout,
				DialTimeout:  10 * time.Second,
			}, logger)
		},
	}, logger)

	listenErrCh := make(chan error, 1)
	go func() {
		err := srv.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "callbridge: load .env: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
