package main

import (
	"context"
	"errors"
	"fmt"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/repository"
	"fastdrop-go/internal/service"
	"fastdrop-go/pkg/database"
	"fastdrop-go/pkg/es"
	"fastdrop-go/pkg/kafka"
	"fastdrop-go/pkg/lock"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/metrics"
	"fastdrop-go/pkg/storage"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// app 持有进程内共享的基础设施与服务。serve 和各个运维命令都通过它完成装配。
type app struct {
	cfg      config.Config
	db       *gorm.DB
	rdb      *redis.Client
	store    storage.BlobStore
	locker   lock.Locker
	producer *kafka.Producer
	metrics  *metrics.Metrics

	uploadRepo repository.UploadRepository
	quotaRepo  repository.QuotaRepository
	auditRepo  repository.AuditRepository
	tokenRepo  repository.DownloadTokenRepository

	audit       service.AuditService
	quotas      service.QuotaService
	uploads     service.UploadService
	files       service.FileService
	tokens      service.DownloadTokenService
	maintenance service.MaintenanceService

	closers []func() error
}

// newApp 按配置初始化数据库、Redis、Blob 存储、锁与各个服务。
// withEvents 为 false 时不连接 Kafka，供只做维护的命令使用。
func newApp(ctx context.Context, cfg config.Config, withEvents bool) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.Init(prometheus.DefaultRegisterer)}

	db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	a.db = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if cfg.Database.MySQL.AutoMigrate {
		if err := repository.AutoMigrate(db); err != nil {
			a.Close()
			return nil, fmt.Errorf("数据库迁移失败: %w", err)
		}
	}

	needRedis := cfg.Lock.Backend == "redis" || (withEvents && cfg.Pipeline.Enabled && cfg.Kafka.Brokers != "")
	if needRedis {
		rdb, err := database.InitRedis(ctx, cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.Lock.Backend {
	case "redis":
		a.locker = lock.NewRedisLocker(a.rdb)
	default:
		log.Warnf("使用进程内锁，多实例部署时无法互斥")
		a.locker = lock.NewLocalLocker()
	}

	a.uploadRepo = repository.NewUploadRepository(db)
	a.quotaRepo = repository.NewQuotaRepository(db)
	a.auditRepo = repository.NewAuditRepository(db)
	a.tokenRepo = repository.NewDownloadTokenRepository(db)

	writers, err := a.auditWriters()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.audit = service.NewAuditService(writers...)

	var events service.EventPublisher = service.NoopPublisher()
	if withEvents && cfg.Kafka.Brokers != "" {
		a.producer = kafka.NewProducer(cfg.Kafka)
		a.closers = append(a.closers, a.producer.Close)
		events = a.producer
	}

	opts, err := service.UploadOptionsFromConfig(cfg.Upload)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.quotas = service.NewQuotaService(a.quotaRepo, a.metrics)
	deps := service.Deps{
		Uploads:    a.uploadRepo,
		Transactor: repository.NewTransactor(db),
		Quotas:     a.quotas,
		Store:      a.store,
		Locker:     a.locker,
		Audit:      a.audit,
		Events:     events,
		Metrics:    a.metrics,
	}
	a.uploads = service.NewUploadService(deps, opts)
	a.files = service.NewFileService(deps, cfg.Upload.LockTTL)
	a.tokens = service.NewDownloadTokenService(a.tokenRepo, deps, a.files, service.ShareOptionsFromConfig(cfg.Share))
	a.maintenance = service.NewMaintenanceService(deps, service.MaintenanceRepos{
		Quotas: a.quotaRepo,
		Audit:  a.auditRepo,
		Tokens: a.tokenRepo,
	}, a.files, a.uploads, cfg.Maintenance.Concurrency)
	return a, nil
}

func (a *app) initStorage(ctx context.Context) error {
	switch a.cfg.Storage.Type {
	case "local":
		store, err := storage.NewLocalStore(afero.NewOsFs(), a.cfg.Storage.LocalPath)
		if err != nil {
			return err
		}
		log.Infof("使用本地磁盘存储: %s", a.cfg.Storage.LocalPath)
		a.store = store
	default:
		store, err := storage.NewMinIOStore(ctx, a.cfg.Storage.MinIO)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

func (a *app) auditWriters() ([]service.AuditWriter, error) {
	var writers []service.AuditWriter
	for _, sink := range a.cfg.Audit.Sinks {
		switch sink {
		case "db":
			writers = append(writers, service.NewRepositoryAuditWriter(a.auditRepo))
		case "es":
			indexer, err := es.NewAuditIndexer(a.cfg.Elasticsearch)
			if err != nil {
				return nil, fmt.Errorf("初始化 Elasticsearch 审计索引失败: %w", err)
			}
			writers = append(writers, indexer)
		}
	}
	return writers, nil
}

// Close 先排空审计队列，再按创建的逆序关闭连接。
func (a *app) Close() error {
	if a.audit != nil {
		a.audit.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
