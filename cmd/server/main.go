package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/page-counter/internal"
	"github.com/koopa0/system-design/page-counter/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "page-counter: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 載入配置
	config, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 設定日誌
	log, logCloser, err := logger.New(logger.Options{
		Level:     config.Log.Level,
		Format:    config.Log.Format,
		Output:    config.Log.Output,
		AddSource: config.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx := context.Background()

	// 建立儲存層（整個進程共用一個連線池）
	store, err := internal.NewStore(ctx, config, log)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	// 啟動時建立資料表，已存在則不做任何事
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// 訪問事件是選用功能
	var publisher internal.VisitPublisher
	if config.Events.NATSURL != "" {
		natsPublisher, err := internal.NewNATSPublisher(config.Events.NATSURL, config.Events.Subject, log)
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				log.Error("failed to close publisher", "error", err)
			}
		}()
		publisher = natsPublisher
	}

	// 創建計數服務和處理器
	counter := internal.NewPageCounter(store, publisher, log)
	handler := internal.NewHandler(counter, log)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         config.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelError),
	}

	// 啟動伺服器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting page-counter",
			"addr", srv.Addr,
			"driver", config.Storage.Driver,
			"events", config.Events.NATSURL != "")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		// 給予時間完成當前請求
		ctx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}
	}

	log.Info("server stopped")
	return nil
}
