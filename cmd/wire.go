package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"signal-trigger/internal/api"
	"signal-trigger/internal/bus"
	"signal-trigger/internal/engine"
	"signal-trigger/internal/executor"
	"signal-trigger/internal/service"
	"signal-trigger/internal/store"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// closeAll 按顺序关闭，错误合并返回
func closeAll(closers []io.Closer) error {
	var errs error
	for _, c := range closers {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

// transport 总线相关的组件
type transport struct {
	publisher  bus.Publisher
	subscriber bus.Subscriber
	latest     bus.LatestReader
	closers    []io.Closer
}

// openTransport 测试里可以替换
var openTransport = newTransport

func newTransport(ctx context.Context, cfg *service.Config, logger *zap.Logger) (_ *transport, err error) {
	t := &transport{}
	var pubs bus.Multi
	defer func() {
		if err != nil {
			err = multierr.Append(err, closeAll(t.closers))
		}
	}()

	for _, kind := range strings.Split(cfg.Bus.Kind, "+") {
		switch strings.TrimSpace(kind) {
		case "memory":
			mem := bus.NewMemoryBus(cfg.Engine.PublishQueue, logger.Named("bus"))
			pubs = append(pubs, mem)
			t.subscriber, t.latest = mem, mem
			t.closers = append(t.closers, mem)
		case "redis":
			client, err := bus.NewRedisClient(ctx, cfg.Redis)
			if err != nil {
				return nil, err
			}
			rb := bus.NewRedisBus(client, cfg.Engine.QueueSize, logger.Named("bus"))
			pubs = append(pubs, rb)
			t.subscriber, t.latest = rb, rb
			t.closers = append(t.closers, rb)
		case "kafka":
			kp := bus.NewKafkaPublisher(cfg.Kafka.Broker)
			pubs = append(pubs, kp)
			t.closers = append(t.closers, kp)
		case "", "none":
		default:
			return nil, fmt.Errorf("unknown bus kind %q", kind)
		}
	}

	switch len(pubs) {
	case 0:
	case 1:
		t.publisher = pubs[0]
	default:
		t.publisher = pubs
	}
	return t, nil
}

// openLifecycle database.host 为空时不启用持久化
func openLifecycle(cfg *service.Config, publisher bus.Publisher, logger *zap.Logger) (*store.Lifecycle, *gorm.DB, error) {
	if cfg.Database.Host == "" {
		return nil, nil, nil
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	lc := store.NewLifecycle(store.NewSignalDao(db), publisher, cfg.Engine.StoreQueue, cfg.Engine.StoreTimeout, logger.Named("store"))
	return lc, db, nil
}

func newSources(cfg *service.Config, t *transport, logger *zap.Logger) ([]api.Source, error) {
	switch cfg.Ingestion.Source {
	case "redis", "pubsub":
		return []api.Source{api.NewPubSubSource(t.subscriber, t.latest, cfg.Instruments,
			cfg.Ingestion.PollInterval, cfg.Ingestion.ReconnectGap, logger.Named("pubsub"))}, nil
	case "okx":
		return []api.Source{api.NewOkxSource(cfg.Ingestion.OkxWSURL, cfg.Instruments,
			cfg.Ingestion.ReconnectGap, logger.Named("okx"))}, nil
	case "kafka":
		return []api.Source{api.NewKafkaSource(cfg.Kafka.Broker, cfg.Kafka.TicksTopic,
			cfg.Kafka.GroupID, logger.Named("kafka"))}, nil
	case "", "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown ingestion source %q", cfg.Ingestion.Source)
}

// buildService 按配置组装整条流水线，失败时释放已经打开的资源
func buildService(ctx context.Context, cfg *service.Config, logger *zap.Logger) (_ *engine.Service, err error) {
	metrics := service.NewMetrics()

	t, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var (
		closers   []io.Closer
		publisher bus.Publisher
		lc        *store.Lifecycle
		db        *gorm.DB
	)
	defer func() {
		if err == nil {
			return
		}
		if lc != nil {
			err = multierr.Append(err, lc.Close())
		}
		err = multierr.Append(err, closeAll(closers))
	}()

	if t.publisher != nil {
		async := bus.NewAsyncPublisher(t.publisher, cfg.Engine.PublishQueue, cfg.Engine.StoreTimeout, metrics.PublishFailures, logger.Named("publisher"))
		publisher = async
		closers = append(closers, async)
	}
	closers = append(closers, t.closers...)

	lc, db, err = openLifecycle(cfg, publisher, logger)
	if err != nil {
		return nil, err
	}
	if db != nil {
		closers = append(closers, closerFunc(func() error { return store.Close(db) }))
	}

	sources, err := newSources(cfg, t, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		srv := service.ServeMetrics(cfg.Metrics.Listen, metrics)
		closers = append(closers, srv)
		logger.Info("Metrics endpoint enabled", zap.String("listen", cfg.Metrics.Listen))
	}

	opts := engine.Options{
		Engine:    cfg.Engine,
		Publisher: publisher,
		Sources:   sources,
		Metrics:   metrics,
		Closers:   closers,
		Logger:    logger,
	}
	if lc != nil {
		opts.Lifecycle = lc
	}
	svc, err := engine.NewService(opts)
	if err != nil {
		return nil, err
	}

	switch cfg.Executor.Kind {
	case "paper":
		paper := executor.NewPaperExecutor(executor.PaperConfig{
			InitialCapital: cfg.Executor.InitialCapital,
			Leverage:       cfg.Executor.Leverage,
			FeeRate:        cfg.Executor.FeeRate,
		}, logger.Named("paper"))
		svc.SetExecutionCallback(executor.Func(paper))
		svc.Bridge.AddSnapshotObserver(paper.OnSnapshot)
	case "", "none":
		logger.Warn("No executor configured, triggers are recorded and published only")
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Executor.Kind)
	}
	return svc, nil
}
