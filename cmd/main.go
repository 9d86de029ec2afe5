package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"signal-trigger/internal/service"
	"signal-trigger/internal/store"
)

func setup(cmd *cli.Command) (*service.Config, error) {
	cfg, err := service.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if err := service.InitLogger(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

// runAction 启动引擎，直到收到退出信号
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	logger := service.Logger
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// 启动时从持久层恢复未触发的条件
	n, err := svc.SyncToRegistry(ctx, "")
	if err != nil {
		logger.Error("Initial sync failed", zap.Error(err))
	} else {
		logger.Info("Initial sync completed", zap.Int("conditions", n))
	}

	if err := svc.Start(ctx); err != nil {
		_ = svc.Close()
		return err
	}
	logger.Info("Signal trigger running", zap.Strings("instruments", cfg.Instruments))

	<-ctx.Done()
	logger.Info("Shutting down...")
	stats := svc.Stats()
	if err := svc.Close(); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete",
		zap.Uint64("events", stats.EventsProcessed()),
		zap.Uint64("triggers", stats.TriggersFired))
	return nil
}

// syncAction 打印会被加载到注册表的 pending 文档
func syncAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	lc, db, err := openLifecycle(cfg, nil, service.Logger)
	if err != nil {
		return err
	}
	if lc == nil {
		return fmt.Errorf("database is not configured")
	}
	defer func() {
		_ = lc.Close()
		_ = store.Close(db)
	}()

	docs, err := lc.Pending(ctx, cmd.String("instrument"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range docs {
		c, err := docs[i].Condition()
		if err != nil {
			service.Logger.Warn("Skipping malformed signal document", zap.String("condition_id", docs[i].ConditionID), zap.Error(err))
			continue
		}
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d pending conditions\n", len(docs))
	return nil
}

// purgeAction 删除 pending/expired 文档
func purgeAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	lc, db, err := openLifecycle(cfg, nil, service.Logger)
	if err != nil {
		return err
	}
	if lc == nil {
		return fmt.Errorf("database is not configured")
	}
	defer func() {
		_ = lc.Close()
		_ = store.Close(db)
	}()

	n, err := lc.PurgePending(ctx, cmd.String("instrument"))
	if err != nil {
		return err
	}
	fmt.Printf("purged %d documents\n", n)
	return nil
}

// configFlag 定义在根命令上，子命令继承
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Directory containing config.yaml",
		Value:   "config",
	}
}

func instrumentFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "instrument",
		Aliases: []string{"i"},
		Usage:   "Limit to one instrument (empty means all)",
	}
}

func main() {
	cmd := &cli.Command{
		Name:   "signal-trigger",
		Usage:  "Real-time signal monitoring and trade trigger engine",
		Flags:  []cli.Flag{configFlag()},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the engine",
				Action: runAction,
			},
			{
				Name:   "sync",
				Usage:  "Print pending conditions that would be loaded at startup",
				Flags:  []cli.Flag{instrumentFlag()},
				Action: syncAction,
			},
			{
				Name:   "purge",
				Usage:  "Delete pending and expired signal documents",
				Flags:  []cli.Flag{instrumentFlag()},
				Action: purgeAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
