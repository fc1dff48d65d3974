package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/config"
	"github.com/eddielth/gadgetbridge-mqtt/health"
	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/metrics"
	"github.com/eddielth/gadgetbridge-mqtt/mqtt"
	"github.com/eddielth/gadgetbridge-mqtt/scheduler"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
	"github.com/eddielth/gadgetbridge-mqtt/transformer"
	"github.com/spf13/cobra"
)

// 配置文件路径，为空时仅使用环境变量
var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errUnhealthy) {
			logger.Error("%v", err)
		}
		logger.Close()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gadgetbridge-mqtt",
		Short:         "Publish Gadgetbridge sensor data to Home Assistant over MQTT",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")

	root.AddCommand(newHealthcheckCommand(), newWatchCommand())
	return root
}

func run(ctx context.Context) error {
	// 加载配置
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Close()

	// 初始化指标目录
	catalog, err := transformer.NewCatalog(cfg.Transformers)
	if err != nil {
		return fmt.Errorf("初始化转换器失败: %w", err)
	}

	devices, err := transformer.NewDeviceRegistry(cfg.DeviceFilter)
	if err != nil {
		return err
	}

	reader, err := storage.NewDatabaseReader(cfg.Database.Driver, cfg.Database.Source(), cfg.Database.BusyTimeout, catalog)
	if err != nil {
		return fmt.Errorf("初始化数据库读取器失败: %w", err)
	}

	// 初始化MQTT客户端
	topics := mqtt.Topics{
		DiscoveryPrefix: cfg.Topics.DiscoveryPrefix,
		BaseTopic:       cfg.Topics.BaseTopic,
	}
	client, err := mqtt.NewClient(cfg.MQTT, topics.Availability())
	if err != nil {
		return fmt.Errorf("初始化MQTT客户端失败: %w", err)
	}
	defer client.Disconnect()

	interval := cfg.Scheduler.Interval()
	liveness := health.NewLiveness(cfg.Health.LivenessFile, interval, time.Now())
	if err := liveness.Seed(); err != nil {
		logger.Warn("failed to write liveness file %s: %v", cfg.Health.LivenessFile, err)
	}

	m := metrics.New()
	sched, err := scheduler.New(scheduler.Options{
		Reader:    reader,
		Catalog:   catalog,
		Devices:   devices,
		Broker:    client,
		Discovery: mqtt.NewDiscoveryPublisher(client, topics),
		States:    mqtt.NewStatePublisher(client, topics, cfg.MQTT.RetainState),
		Liveness:  liveness,
		Metrics:   m,
		Interval:  interval,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		threshold := cfg.Health.Staleness(interval)
		srv := metrics.NewServer(cfg.Metrics.Addr, metrics.NewRouter(m, metrics.LivenessCheck(liveness, threshold)))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 监听配置文件变化，变更在调度协程上应用
	if configPath != "" {
		err = loader.Watch(func(newCfg *config.Config) error {
			if !sched.Submit(func() { applyConfig(catalog, newCfg) }) {
				return errors.New("scheduler busy, config change dropped")
			}
			return nil
		})
		if err != nil {
			logger.Warn("监听配置文件变化失败: %v", err)
		} else {
			logger.Info("已启动配置文件监听")
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("gadgetbridge-mqtt started: broker %s, datastore %s, interval %s",
		mqtt.BrokerURL(cfg.MQTT.Broker, cfg.MQTT.Port), cfg.Database.Driver, interval)

	err = sched.Run(ctx)
	logger.Info("服务已安全停止")
	return err
}

// applyConfig reloads the scripted transformers and the log level. Broker and
// datastore settings take effect after a restart.
func applyConfig(catalog *transformer.Catalog, cfg *config.Config) {
	logger.Info("正在应用新的配置...")

	if err := logger.SetLevel(cfg.Logger.Level); err != nil {
		logger.Warn("invalid log level %q: %v", cfg.Logger.Level, err)
	}

	for kind, transformerCfg := range cfg.Transformers {
		if err := catalog.ReloadTransformer(kind, transformerCfg); err != nil {
			// 继续处理其他转换器，不中断整个过程
			logger.Error("重新加载转换器 %s 失败: %v", kind, err)
		}
	}
}
