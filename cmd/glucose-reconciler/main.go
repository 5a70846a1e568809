package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "github.com/rayjennings3rd/paige-ai/common/logger"
	"github.com/rayjennings3rd/paige-ai/internal/config"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/rayjennings3rd/paige-ai/internal/service"

	"go.uber.org/zap"
)

func main() {
	dateFlag := flag.String("date", "", "process a single date (YYYY-MM-DD) and exit")
	migrate := flag.Bool("migrate", false, "apply the database schema and exit")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "glucose-reconciler")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var processingDate time.Time
	if *dateFlag != "" {
		processingDate, err = models.ParseDate(*dateFlag)
		if err != nil {
			log.Fatal("Invalid -date value", zap.String("date", *dateFlag), zap.Error(err))
		}
	}

	log.Info("Starting glucose-reconciler service")

	svc, err := service.NewReconcilerService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create reconciler service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		switch {
		case *migrate:
			errChan <- svc.Migrate(ctx)
		case !processingDate.IsZero():
			_, err := svc.RunOnce(ctx, processingDate)
			errChan <- err
		default:
			errChan <- svc.Start(ctx)
		}
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		// 等待当前运行落账
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Error("Service error", zap.Error(err))
			exitCode = 1
		}
	}

	if err := svc.Stop(ctx); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}
	log.Info("Service stopped")

	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
