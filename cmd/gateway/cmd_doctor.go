package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/convogate/gateway/internal/infrastructure/config"
	"github.com/convogate/gateway/internal/infrastructure/lock"
	"github.com/convogate/gateway/internal/infrastructure/persistence"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "环境诊断",
		RunE:  runDoctor,
	}
}

type check struct {
	name string
	run  func(ctx context.Context, rt *runtime) (string, bool)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ %s doctor v%s\n\n", appName, appVersion)

	rt, err := loadRuntime(cmd, true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	checks := []check{
		{"配置文件", checkConfigFile},
		{"配置校验", checkValidate},
		{"数据库", checkDatabase},
		{"Redis 锁", checkRedis},
		{"模型", checkLLM},
		{"Web 鉴权", checkAuth},
		{"Telegram", checkTelegram},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.run(ctx, rt)
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("所有检查通过 ✓")
	} else {
		fmt.Println("存在问题, 请检查上方标记")
	}
	return nil
}

func checkConfigFile(_ context.Context, rt *runtime) (string, bool) {
	if used := rt.viper.ConfigFileUsed(); used != "" {
		return used, true
	}
	return "未找到 " + config.HomeDir() + "/config.yaml, 使用默认值", false
}

func checkValidate(_ context.Context, rt *runtime) (string, bool) {
	if err := rt.cfg.Validate(); err != nil {
		return err.Error(), false
	}
	return "OK", true
}

func checkDatabase(ctx context.Context, rt *runtime) (string, bool) {
	db := rt.cfg.Database
	db.AutoMigrate = false
	conn, err := persistence.NewDBConnection(&db, rt.log)
	if err != nil {
		return err.Error(), false
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err.Error(), false
	}
	defer sqlDB.Close()
	if err := sqlDB.PingContext(ctx); err != nil {
		return err.Error(), false
	}
	return db.Type, true
}

func checkRedis(ctx context.Context, rt *runtime) (string, bool) {
	if rt.cfg.Redis.Addr == "" {
		return "未配置, 使用进程内锁", true
	}
	client, err := lock.NewRedisClient(ctx, &rt.cfg.Redis)
	if err != nil {
		return err.Error(), false
	}
	client.Close()
	return rt.cfg.Redis.Addr, true
}

func checkLLM(_ context.Context, rt *runtime) (string, bool) {
	if rt.cfg.LLM.APIKey == "" {
		return "未配置 api_key, 仅离线摘要, 对话回复不可用", false
	}
	return rt.cfg.LLM.Model, true
}

func checkAuth(_ context.Context, rt *runtime) (string, bool) {
	if rt.cfg.Auth.JWTSecret == "" {
		return "未配置 jwt_secret, Web API 不可用", false
	}
	return "HS256", true
}

func checkTelegram(_ context.Context, rt *runtime) (string, bool) {
	if rt.cfg.Telegram.BotToken == "" {
		return "未配置, 渠道关闭", true
	}
	if len(rt.cfg.Telegram.AllowIDs) == 0 {
		return "已配置, 允许所有用户", true
	}
	return fmt.Sprintf("已配置, 白名单 %d 人", len(rt.cfg.Telegram.AllowIDs)), true
}
