// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"signal-trigger/internal/model"
)

// EngineConfig 定义了指标窗口、评估和分发相关的参数
type EngineConfig struct {
	Window        int           `mapstructure:"window"`         // 每个品种保留的 K 线数量
	TickTimeframe string        `mapstructure:"tick-timeframe"` // Tick 合成 K 线的周期
	EqualEpsilon  float64       `mapstructure:"equal-epsilon"`  // == 运算符的容差
	HistoryLimit  int           `mapstructure:"history-limit"`  // 触发历史的最大条数
	QueueSize     int           `mapstructure:"queue-size"`     // 每个品种 worker 的队列长度
	StoreTimeout  time.Duration `mapstructure:"store-timeout"`  // 异步写库的超时时间
	StoreQueue    int           `mapstructure:"store-queue"`    // 异步写库队列长度
	PublishQueue  int           `mapstructure:"publish-queue"`  // 异步发布队列长度
	SyncInterval  time.Duration `mapstructure:"sync-interval"`  // 定期从持久层同步 pending 条件，0 表示只在启动时同步
}

// IngestionConfig 定义了行情来源
type IngestionConfig struct {
	Source       string        `mapstructure:"source"` // redis | okx | kafka | none
	PollInterval time.Duration `mapstructure:"poll-interval"`
	OkxWSURL     string        `mapstructure:"okx-ws-url"`
	ReconnectGap time.Duration `mapstructure:"reconnect-gap"`
}

// BusConfig 定义了发布/订阅总线的实现
type BusConfig struct {
	Kind string `mapstructure:"kind"` // memory | redis | kafka | redis+kafka
}

// RedisConfig is used to configure redis
type RedisConfig struct {
	Addr         string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Db           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool-size"`
	MinIdleConns int           `mapstructure:"min-idle-conns"`
	IdleTimeout  time.Duration `mapstructure:"idle-timeout"`
}

// DatabaseConfig 定义了 MySQL 连接信息
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DbName   string `mapstructure:"dbname"`
}

type KafkaConfig struct {
	Broker     string `mapstructure:"broker"`
	TicksTopic string `mapstructure:"ticks-topic"`
	GroupID    string `mapstructure:"group-id"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	FileName   string `mapstructure:"file-name"`
	MaxSize    int    `mapstructure:"max-size"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAge     int    `mapstructure:"max-age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local-time"`
	Console    bool   `mapstructure:"console"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExecutorConfig 定义了默认的纸面执行器参数
type ExecutorConfig struct {
	Kind           string  `mapstructure:"kind"` // paper | none
	InitialCapital float64 `mapstructure:"initial-capital"`
	Leverage       float64 `mapstructure:"leverage"`
	FeeRate        float64 `mapstructure:"fee-rate"`
}

type Config struct {
	Instruments []string        `mapstructure:"instruments"`
	Engine      EngineConfig    `mapstructure:"engine"`
	Ingestion   IngestionConfig `mapstructure:"ingestion"`
	Bus         BusConfig       `mapstructure:"bus"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Log         LogConfig       `mapstructure:"log"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Executor    ExecutorConfig  `mapstructure:"executor"`
}

// setDefaults 为所有可调参数设置默认值，配置文件缺省时也能启动
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.window", 200)
	v.SetDefault("engine.tick-timeframe", "1m")
	v.SetDefault("engine.equal-epsilon", 0.01)
	v.SetDefault("engine.history-limit", 500)
	v.SetDefault("engine.queue-size", 1024)
	v.SetDefault("engine.store-timeout", 3*time.Second)
	v.SetDefault("engine.store-queue", 4096)
	v.SetDefault("engine.publish-queue", 4096)
	v.SetDefault("engine.sync-interval", time.Duration(0))

	v.SetDefault("ingestion.source", "redis")
	v.SetDefault("ingestion.poll-interval", time.Second)
	v.SetDefault("ingestion.okx-ws-url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("ingestion.reconnect-gap", 5*time.Second)

	v.SetDefault("bus.kind", "redis")

	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.pool-size", 20)
	v.SetDefault("redis.min-idle-conns", 2)
	v.SetDefault("redis.idle-timeout", 5*time.Minute)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.dbname", "signal_trigger")

	v.SetDefault("kafka.ticks-topic", "ticks")
	v.SetDefault("kafka.group-id", "signal-trigger")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.max-size", 100)
	v.SetDefault("log.max-backups", 7)
	v.SetDefault("log.max-age", 30)

	v.SetDefault("executor.kind", "paper")
	v.SetDefault("executor.initial-capital", 10000.0)
	v.SetDefault("executor.leverage", 10.0)
	v.SetDefault("executor.fee-rate", 0.0005)
}

// LoadConfig 读取并解析 configPath 目录下的 config.yaml
// 环境变量 SIGNAL_REDIS_ADDRESS 之类的可以覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// 没有配置文件时使用默认值
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if cfg.Engine.Window < 2 {
		return nil, fmt.Errorf("engine.window must be >= 2, got %d", cfg.Engine.Window)
	}
	if _, err := model.ParseIntervalDuration(cfg.Engine.TickTimeframe); err != nil {
		return nil, fmt.Errorf("engine.tick-timeframe: %w", err)
	}

	return &cfg, nil
}
