package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convogate/gateway/internal/infrastructure/config"
	"github.com/convogate/gateway/internal/infrastructure/persistence"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "数据库迁移",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "执行全部未应用的迁移 (sqlite 使用 auto migrate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, true)
			if err != nil {
				return err
			}
			defer rt.log.Sync()

			db := rt.cfg.Database
			if db.Type == "sqlite" {
				db.AutoMigrate = true
				conn, err := persistence.NewDBConnection(&db, rt.log)
				if err != nil {
					return err
				}
				if sqlDB, err := conn.DB(); err == nil {
					sqlDB.Close()
				}
				fmt.Println("sqlite schema is up to date")
				return nil
			}

			if err := persistence.RunMigrations(&db); err != nil {
				return err
			}
			return printVersion(&db)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "回滚最近一次迁移",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, true)
			if err != nil {
				return err
			}
			if err := persistence.RollbackMigration(&rt.cfg.Database); err != nil {
				return err
			}
			return printVersion(&rt.cfg.Database)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示当前迁移版本",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, true)
			if err != nil {
				return err
			}
			return printVersion(&rt.cfg.Database)
		},
	})

	return cmd
}

func printVersion(db *config.DatabaseConfig) error {
	version, dirty, err := persistence.MigrationVersion(db)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Printf("version %d (dirty)\n", version)
		return nil
	}
	fmt.Printf("version %d\n", version)
	return nil
}
