package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kidguard-dispatch/common/database"
	"kidguard-dispatch/common/mqtt"
	redisclient "kidguard-dispatch/common/redis"
	"kidguard-dispatch/internal/alerts"
	"kidguard-dispatch/internal/config"
	"kidguard-dispatch/internal/consumer"
	"kidguard-dispatch/internal/dispatch"
	"kidguard-dispatch/internal/events"
	"kidguard-dispatch/internal/httpapi"
	"kidguard-dispatch/internal/notify"
	"kidguard-dispatch/internal/presence"
	"kidguard-dispatch/internal/repository"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DispatchService 调度服务（整合各层）
type DispatchService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	commandsRepo  repository.CommandsRepository
	devicesRepo   repository.DevicesRepository
	alertsRepo    repository.AlertsRepository
	locationsRepo repository.LocationsRepository
	publisher     *events.Publisher
	emitter       *alerts.Emitter
	dispatcher    *dispatch.Dispatcher
	tracker       *presence.Tracker
	httpServer    *HTTPServer
	hbConsumer    *consumer.HeartbeatConsumer
}

// NewDispatchService 创建调度服务
func NewDispatchService(cfg *config.Config, logger *zap.Logger) (*DispatchService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisclient.NewRedisClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	commandsRepo := repository.NewPostgresCommandsRepo(db, logger)
	devicesRepo := repository.NewPostgresDevicesRepo(db, logger)
	alertsRepo := repository.NewPostgresAlertsRepo(db, logger)
	locationsRepo := repository.NewPostgresLocationsRepo(db, logger)

	// 4. 事件发布与通知
	publisher := events.NewPublisher(redisClient, logger)

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.GatewayURL != "" {
		notifier = notify.NewGatewayNotifier(cfg.Notify.GatewayURL, cfg.Notify.APIKey, logger)
	}
	emitter := alerts.NewEmitter(alertsRepo, notifier, publisher, logger)

	// 5. 核心域组件
	dispatcher := dispatch.NewDispatcher(
		commandsRepo,
		devicesRepo,
		publisher,
		emitter,
		cfg.Dispatch.EscalateFailures,
		logger,
	)

	battery := presence.NewBatteryState(redisClient, cfg.Presence.BatteryKeyPrefix)
	tracker := presence.NewTracker(devicesRepo, emitter, publisher, battery, logger)

	// 6. HTTP 路由
	router := httpapi.NewRouter(
		httpapi.NewDeviceHandler(dispatcher, tracker, devicesRepo, locationsRepo, logger),
		httpapi.NewCommandHandler(dispatcher, logger),
		httpapi.NewParentDeviceHandler(devicesRepo, logger),
		httpapi.NewLocationHandler(locationsRepo, logger),
		httpapi.NewAlertHandler(alertsRepo, logger),
		logger,
	)

	svc := &DispatchService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		commandsRepo:  commandsRepo,
		devicesRepo:   devicesRepo,
		alertsRepo:    alertsRepo,
		locationsRepo: locationsRepo,
		publisher:     publisher,
		emitter:       emitter,
		dispatcher:    dispatcher,
		tracker:       tracker,
		httpServer:    NewHTTPServer(cfg.HTTP.Addr, router, logger),
	}

	// 7. MQTT 心跳摄入（可选）
	if cfg.MQTTEnabled {
		mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			redisClient.Close()
			db.Close()
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		svc.mqttClient = mqttClient
		svc.hbConsumer = consumer.NewHeartbeatConsumer(mqttClient, tracker, dispatcher, logger)
	}

	return svc, nil
}

// Start 启动服务（阻塞直到上下文取消或 HTTP 服务退出）
func (s *DispatchService) Start(ctx context.Context) error {
	s.logger.Info("Starting dispatch service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Bool("mqtt_enabled", s.config.MQTTEnabled),
	)

	go s.runOfflineSweep(ctx)
	go s.runExpirySweep(ctx)
	go s.runRetentionSweep(ctx)

	if s.hbConsumer != nil {
		go func() {
			if err := s.hbConsumer.Start(ctx); err != nil {
				s.logger.Error("MQTT heartbeat consumer exited", zap.Error(err))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务
func (s *DispatchService) Stop() error {
	s.logger.Info("Stopping dispatch service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	if s.hbConsumer != nil {
		if err := s.hbConsumer.Stop(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop MQTT consumer", zap.Error(err))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 等待在途的通知扇出
	s.emitter.Wait()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	return nil
}

// runOfflineSweep 周期扫描心跳超时的设备并翻转离线
func (s *DispatchService) runOfflineSweep(ctx context.Context) {
	interval := time.Duration(s.config.Presence.SweepIntervalSec) * time.Second
	threshold := time.Duration(s.config.Presence.OfflineThresholdSec) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flipped, err := s.tracker.DetectOfflineDevices(ctx, threshold)
			if err != nil {
				s.logger.Error("Offline sweep failed", zap.Error(err))
				continue
			}
			if flipped > 0 {
				s.logger.Info("Offline sweep flipped devices",
					zap.Int("count", flipped),
				)
			}
		}
	}
}

// runExpirySweep 周期把超过 expires_at 的非终止指令标记为 expired
func (s *DispatchService) runExpirySweep(ctx context.Context) {
	interval := time.Duration(s.config.Dispatch.ExpirySweepIntervalSec) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.dispatcher.ExpireOverdue(ctx)
			if err != nil {
				s.logger.Error("Expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				s.logger.Info("Expiry sweep marked commands",
					zap.Int64("count", expired),
				)
			}
		}
	}
}

// runRetentionSweep 清理超过保留期的已解决报警和历史位置
func (s *DispatchService) runRetentionSweep(ctx context.Context) {
	interval := time.Duration(s.config.Alerts.RetentionSweepIntervalSec) * time.Second
	retention := time.Duration(s.config.Alerts.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)

			deleted, err := s.alertsRepo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				s.logger.Error("Alert retention sweep failed", zap.Error(err))
			} else if deleted > 0 {
				s.logger.Info("Alert retention sweep deleted rows",
					zap.Int64("count", deleted),
				)
			}

			deleted, err = s.locationsRepo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				s.logger.Error("Location retention sweep failed", zap.Error(err))
			} else if deleted > 0 {
				s.logger.Info("Location retention sweep deleted rows",
					zap.Int64("count", deleted),
				)
			}
		}
	}
}
