package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

const maxPage = 1_000_000

// Command Telegram 命令
type Command struct {
	Name     string   // 命令名 (不含 /)
	Args     []string // 参数列表
	ChatID   int64
	UserID   int64
	Username string
}

// CommandHandler 命令处理器
type CommandHandler func(ctx context.Context, cmd *Command) (*OutgoingMessage, error)

// CommandRegistry 命令注册表
type CommandRegistry struct {
	handlers map[string]CommandHandler
	aliases  map[string]string
	mu       sync.RWMutex
}

// NewCommandRegistry 创建命令注册表
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
		aliases:  make(map[string]string),
	}
}

// Register 注册命令
func (r *CommandRegistry) Register(name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = handler
}

// Alias 注册别名
func (r *CommandRegistry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(alias)] = strings.ToLower(target)
}

// Handle 处理命令, 未注册的命令返回 handled=false
func (r *CommandRegistry) Handle(ctx context.Context, cmd *Command) (*OutgoingMessage, bool, error) {
	r.mu.RLock()
	name := strings.ToLower(cmd.Name)
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	handler, exists := r.handlers[name]
	r.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	response, err := handler(ctx, cmd)
	return response, true, err
}

// ParseCommand 解析命令
func ParseCommand(text string) *Command {
	if !isCommand(text) {
		return nil
	}

	// 移除 @ 后缀 (群组中的 /cmd@botname)
	parts := strings.SplitN(text[1:], " ", 2)
	cmdPart := parts[0]
	if idx := strings.Index(cmdPart, "@"); idx != -1 {
		cmdPart = cmdPart[:idx]
	}
	if cmdPart == "" {
		return nil
	}

	cmd := &Command{Name: cmdPart}
	if len(parts) > 1 {
		cmd.Args = strings.Fields(parts[1])
	}
	return cmd
}

// isCommand checks if text starts with /
func isCommand(text string) bool {
	return len(text) > 0 && text[0] == '/'
}

// parsePageNumber 解析页码 (返回 -1 表示无效)
func parsePageNumber(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > maxPage {
		return -1
	}
	return n
}
