// Package app 组装各层组件：存储、呼叫服务商、生命周期、升级编排、扫描与消费者、HTTP。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eva-checkin/internal/common/database"
	mqttcommon "eva-checkin/internal/common/mqtt"
	rediscommon "eva-checkin/internal/common/redis"
	"eva-checkin/internal/config"
	"eva-checkin/internal/consumer"
	"eva-checkin/internal/dispatcher"
	httpapi "eva-checkin/internal/http"
	"eva-checkin/internal/repository"
	"eva-checkin/internal/service"
	"eva-checkin/internal/store"
)

// CheckinService 问候呼叫与升级服务（整合各层）
type CheckinService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	Store        repository.Store
	KV           store.KV
	Lifecycle    *service.Lifecycle
	Orchestrator *service.Orchestrator
	Contacts     *service.ContactResolver
	Schedules    *service.ScheduleService
	Sweep        *consumer.Sweep
}

// New 创建服务。Database.Enabled=false 时使用内存存储，Redis.Enabled=false 时使用进程内 KV。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*CheckinService, error) {
	s := &CheckinService{config: cfg, logger: logger}

	// 1. 存储
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(&cfg.Database.DatabaseConfig)
		if err != nil {
			return nil, err
		}
		s.db = db
		if cfg.Database.AutoMigrate {
			if err := repository.EnsureSchema(ctx, db); err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to apply schema: %w", err)
			}
			logger.Info("Database schema applied")
		}
		s.Store = repository.NewPostgresStore(db, logger)
	} else {
		logger.Warn("Database disabled, using in-memory store")
		s.Store = repository.NewMemoryStore()
	}

	// 2. Redis：去重、扫描租约、结果流、运营告警流
	var alerter service.Alerter
	if cfg.Redis.Enabled {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis.RedisConfig)
		if err := rediscommon.Ping(ctx, s.redisClient); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		s.KV = store.NewRedisKV(s.redisClient)
		alerter = service.NewStreamAlerter(s.redisClient, cfg.Streams.OperatorAlerts, logger)
	} else {
		logger.Warn("Redis disabled, using in-process KV")
		s.KV = store.NewMemoryKV()
		alerter = service.NewLogAlerter(logger)
	}

	// 3. 呼叫服务商
	var d dispatcher.Dispatcher
	if cfg.Provider.BaseURL != "" {
		d = dispatcher.NewProviderClient(dispatcher.ProviderConfig{
			BaseURL:     cfg.Provider.BaseURL,
			APIKey:      cfg.Provider.APIKey,
			CallbackURL: cfg.Provider.CallbackURL,
			Timeout:     cfg.Provider.Timeout,
			RetryCount:  cfg.Provider.RetryCount,
		}, logger)
	} else {
		d = dispatcher.NewLogDispatcher(logger)
	}

	// 4. 业务层
	s.Lifecycle = service.NewLifecycle(s.Store, d, alerter, cfg.Phone.DefaultRegion, logger)
	s.Orchestrator = service.NewOrchestrator(s.Store, s.Lifecycle, s.KV,
		cfg.Escalation.FollowupDelay, cfg.Escalation.DeviceDedupTTL, logger)
	s.Contacts = service.NewContactResolver(s.Store, cfg.Phone.DefaultRegion, logger)
	s.Schedules = service.NewScheduleService(s.Store, logger)

	// 5. 扫描
	s.Sweep = consumer.NewSweep(cfg, s.Store, s.Lifecycle, s.KV, logger)

	return s, nil
}

// Router 注册全部 HTTP 路由
func (s *CheckinService) Router() *httpapi.Router {
	r := httpapi.NewRouter(s.logger)
	r.RegisterHealthRoutes()
	r.RegisterExecutionRoutes(httpapi.NewExecutionsHandler(s.Lifecycle, s.logger))
	r.RegisterIncidentRoutes(httpapi.NewIncidentsHandler(s.Orchestrator, s.logger))
	r.RegisterContactRoutes(httpapi.NewContactsHandler(s.Contacts, s.logger))
	r.RegisterScheduleRoutes(httpapi.NewSchedulesHandler(s.Schedules, s.logger))
	return r
}

// Start 启动 HTTP、扫描与消费者，阻塞到 ctx 取消或任一组件出错
func (s *CheckinService) Start(ctx context.Context) error {
	s.logger.Info("Starting check-in service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Bool("database", s.db != nil),
		zap.Bool("redis", s.redisClient != nil),
		zap.Bool("mqtt", s.config.MQTT.Enabled),
	)

	// 先连接 MQTT，失败时尚未启动任何组件
	var devices *consumer.DeviceEventConsumer
	if s.config.MQTT.Enabled {
		client, err := mqttcommon.NewClient(&s.config.MQTT.MQTTConfig, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.mqttClient = client
		devices = consumer.NewDeviceEventConsumer(s.config, client, s.Orchestrator, s.logger)
	}

	g, ctx := errgroup.WithContext(ctx)

	server := httpapi.NewServer(s.config.HTTP.Addr, s.Router(), s.logger)
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	g.Go(func() error {
		return s.Sweep.Start(ctx)
	})

	if s.redisClient != nil {
		outcomes := consumer.NewOutcomeStreamConsumer(s.config, s.redisClient, s.Lifecycle, s.logger)
		g.Go(func() error {
			return outcomes.Start(ctx)
		})
	}

	if devices != nil {
		g.Go(func() error {
			defer devices.Stop()
			return devices.Start(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close 关闭外部连接
func (s *CheckinService) Close() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
}

// DB 数据库连接；内存模式下为 nil
func (s *CheckinService) DB() *sql.DB { return s.db }
