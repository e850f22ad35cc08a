package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/convogate/gateway/internal/application"
	"github.com/convogate/gateway/internal/domain/history"
	"github.com/convogate/gateway/internal/domain/repository"
	"github.com/convogate/gateway/internal/domain/service"
	"github.com/convogate/gateway/internal/infrastructure/eventbus"
	"github.com/convogate/gateway/internal/infrastructure/monitoring"
)

// withApp runs fn against an engine without network interfaces.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.App) error) error {
	rt, err := loadRuntime(cmd, true)
	if err != nil {
		return err
	}
	defer rt.log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := application.NewAppCLI(ctx, rt.cfg, rt.log)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func addChannelFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("user", "u", "", "用户 ID (telegram 渠道为 Telegram 用户 ID)")
	cmd.Flags().StringP("channel", "c", "web", "web | telegram")
	_ = cmd.MarkFlagRequired("user")
}

// channelQueries 把两个渠道统一成按字符串用户查询
type channelQueries struct {
	list func(ctx context.Context, opts repository.ListOptions) []service.ListItem
	get  func(ctx context.Context, id string) *service.FullConversation
}

func queriesFor(cmd *cobra.Command, app *application.App) (*channelQueries, error) {
	user, _ := cmd.Flags().GetString("user")
	channel, _ := cmd.Flags().GetString("channel")

	switch channel {
	case "web":
		web := app.Web()
		return &channelQueries{
			list: func(ctx context.Context, opts repository.ListOptions) []service.ListItem {
				return web.GetConversationList(ctx, user, opts)
			},
			get: func(ctx context.Context, id string) *service.FullConversation {
				return web.GetConversationByID(ctx, id, user)
			},
		}, nil
	case "telegram":
		tgUser, err := strconv.ParseInt(user, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram user must be numeric: %w", err)
		}
		tg := app.Telegram()
		return &channelQueries{
			list: func(ctx context.Context, opts repository.ListOptions) []service.ListItem {
				return tg.GetConversationList(ctx, tgUser, opts)
			},
			get: func(ctx context.Context, id string) *service.FullConversation {
				return tg.GetConversationByID(ctx, id, tgUser)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "列出用户的历史对话",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App) error {
				q, err := queriesFor(cmd, app)
				if err != nil {
					return err
				}
				limit, _ := cmd.Flags().GetInt("limit")
				search, _ := cmd.Flags().GetString("search")

				items := q.list(ctx, repository.ListOptions{Limit: limit, Search: search})
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tLAST UPDATED")
				for _, it := range items {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", it.ID, it.Title, it.MessageCount, it.LastUpdated.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
	addChannelFlags(cmd)
	cmd.Flags().Int("limit", 20, "条数")
	cmd.Flags().String("search", "", "按标题搜索")
	return cmd
}

func newPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt <conversation-id>",
		Short: "打印某个对话发送给模型的上下文",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *application.App) error {
				q, err := queriesFor(cmd, app)
				if err != nil {
					return err
				}
				full := q.get(ctx, args[0])
				if full == nil {
					return fmt.Errorf("conversation %s not found", args[0])
				}

				channel, _ := cmd.Flags().GetString("channel")
				conv := &history.ConversationContext{Messages: full.Messages, Summary: full.Summary, Title: full.Title}
				var prompt string
				if channel == "telegram" {
					prompt = app.Telegram().BuildContextPrompt(conv)
				} else {
					prompt = app.Web().BuildContextPrompt(conv)
				}
				fmt.Println(prompt)
				return nil
			})
		},
	}
	addChannelFlags(cmd)
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "打印生效的配置 (密钥已隐藏)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd, true)
			if err != nil {
				return err
			}
			if used := rt.viper.ConfigFileUsed(); used != "" {
				fmt.Printf("# %s\n", used)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(rt.cfg.Redacted())
		},
	}
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "引擎事件日志",
	}

	openJournal := func(cmd *cobra.Command) (*eventbus.JournalBus, *zap.Logger, error) {
		rt, err := loadRuntime(cmd, true)
		if err != nil {
			return nil, nil, err
		}
		if rt.cfg.Events.JournalDir == "" {
			return nil, nil, fmt.Errorf("events.journal_dir is not set")
		}
		bus, err := eventbus.NewJournalBus(eventbus.JournalConfig{Dir: rt.cfg.Events.JournalDir}, rt.log)
		if err != nil {
			return nil, nil, err
		}
		return bus, rt.log, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "回放事件日志并打印累计计数",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, log, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer bus.Close()

			monitor := monitoring.NewMonitor(log)
			monitor.Subscribe(bus)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			n, err := bus.Replay(ctx)
			if err != nil {
				return err
			}

			stats := monitor.GetStats()
			stats["events_replayed"] = n
			for _, k := range []string{"uptime_seconds", "memory_mb", "goroutines", "requests_total", "requests_failed", "avg_latency_ms", "reply_calls", "reply_failures"} {
				delete(stats, k)
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "truncate",
		Short: "清空事件日志",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, _, err := openJournal(cmd)
			if err != nil {
				return err
			}
			defer bus.Close()
			return bus.Truncate()
		},
	})

	return cmd
}
