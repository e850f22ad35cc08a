package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/convogate/gateway/internal/application"
	"github.com/convogate/gateway/internal/infrastructure/config"
	"github.com/convogate/gateway/internal/infrastructure/logger"
)

const (
	appName    = "convogate"
	appVersion = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "convogate: conversation context gateway",
		Long:          "convogate 管理 Web 与 Telegram 渠道的每日会话上下文, 并按阈值滚动摘要",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "覆盖 log.level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动网关 (HTTP + WebSocket + Telegram)",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newPromptCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newDoctorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime is what every command needs before doing its work.
type runtime struct {
	cfg   *config.Config
	viper *viper.Viper
	log   *zap.Logger
	level zap.AtomicLevel
}

// loadRuntime loads the config and builds the logger. CLI commands pass
// quiet=true to keep stdout clean for their own output.
func loadRuntime(cmd *cobra.Command, quiet bool) (*runtime, error) {
	cfg, v, err := config.LoadWithViper()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	format := cfg.Log.Format
	output := "stdout"
	if quiet {
		level = "warn"
		format = "console"
		output = "stderr"
	}
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}

	log, atom, err := logger.NewWithLevel(logger.Config{
		Level:      level,
		Format:     format,
		OutputPath: output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return &runtime{cfg: cfg, viper: v, log: log, level: atom}, nil
}

// ─── Gateway Server Mode ───

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Bootstrap(zap.NewNop()); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap %s: %v\n", config.HomeDir(), err)
	}

	rt, err := loadRuntime(cmd, false)
	if err != nil {
		return err
	}
	log := rt.log
	defer log.Sync()

	log.Info("Starting convogate",
		zap.String("version", appVersion),
		zap.String("config", rt.viper.ConfigFileUsed()),
	)

	// 只热更新日志级别, 其余配置需要重启
	config.WatchLogLevel(rt.viper, func(level string) {
		if logger.SetLevel(rt.level, level) {
			log.Info("Log level reloaded", zap.String("level", level))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(ctx, rt.cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		_ = app.Stop(context.Background())
		return fmt.Errorf("start application: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
