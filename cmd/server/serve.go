package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fastdrop-go/internal/handler"
	"fastdrop-go/internal/pipeline"
	"fastdrop-go/pkg/kafka"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the file.ready consumer and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c)
		},
	}
}

func runServe(parent context.Context, c *cli) error {
	cfg := c.cfg
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Errorf("关闭资源失败: %v", err)
		}
	}()

	var wg sync.WaitGroup

	// 后台 Kafka 消费者
	if cfg.Pipeline.Enabled && cfg.Kafka.Brokers != "" {
		processor := pipeline.NewProcessor(cfg.Pipeline, a.uploadRepo, a.files, a.store)
		consumer := kafka.NewConsumer(cfg.Kafka, a.rdb, processor)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(ctx)
		}()
	}

	// 后台维护任务
	if cfg.Maintenance.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.maintenance.Run(ctx, cfg.Maintenance)
		}()
	}

	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		Uploads:     a.uploads,
		Files:       a.files,
		Tokens:      a.tokens,
		Quotas:      a.quotas,
		Maintenance: a.maintenance,
		Audit:       a.audit,
		JWT:         token.NewJWTManager(cfg.JWT.Secret),
		AdminRole:   cfg.JWT.AdminRole,
		Metrics:     a.metrics,
		Gatherer:    prometheus.DefaultGatherer,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	}

	// 合并大文件可能较慢，给进行中的请求留出时间
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	stop()
	wg.Wait()
	log.Info("服务已优雅关闭")
	return nil
}
