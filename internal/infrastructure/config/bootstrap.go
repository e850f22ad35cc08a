package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "convogate"

// HomeDir returns the configuration home: ~/.convogate
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.convogate exists and holds a default config.yaml.
// Existing files are never overwritten.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", root, err)
	}

	path := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		logger.Debug("Config home OK", zap.String("home", root))
		return nil
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	logger.Info("Default config written", zap.String("path", path))
	return nil
}

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# convogate configuration
# Auto-generated on first launch, feel free to edit
# Env overrides: CONVOGATE_<SECTION>_<KEY>, e.g. CONVOGATE_DATABASE_DSN
# ═══════════════════════════════════════════════════════════════

# ─── Gateway Server ──────────────────────────────────────────
gateway:
  host: 0.0.0.0
  port: 18790
  mode: local                  # local | production

# ─── Database ────────────────────────────────────────────────
# Conversation history storage.
database:
  type: sqlite                 # sqlite | postgres
  dsn: convogate.db            # File path (sqlite) or connection string (postgres)
  log_level: warn              # silent | error | warn | info
  auto_migrate: true           # false in production, run "convogate migrate up" instead

# ─── Redis ───────────────────────────────────────────────────
# Per-conversation append lock shared across instances.
# Leave addr empty to use an in-process lock.
redis:
  addr: ""
  password: ""
  db: 0
  lock_ttl: 30s

# ─── Logging ─────────────────────────────────────────────────
# level is hot-reloaded when this file changes.
log:
  level: info                  # debug | info | warn | error
  format: json                 # console | json

# ─── Web Auth ────────────────────────────────────────────────
# HS256 secret of the upstream identity provider. The JWT subject is the user id.
auth:
  jwt_secret: ""
  issuer: ""

# ─── Telegram Bot ────────────────────────────────────────────
# Leave bot_token empty to disable the Telegram channel.
telegram:
  bot_token: ""
  allow_ids: []                # empty = everyone
  debug: false

# ─── Language Model ──────────────────────────────────────────
# Any OpenAI compatible endpoint. Without api_key an offline summarizer is used.
llm:
  api_key: ""
  base_url: ""
  model: gpt-4o-mini
  summary_model: ""            # defaults to model
  timeout: 60s
  summary_max_tokens: 400

# ─── Conversation Engine ─────────────────────────────────────
# 0 keeps the channel preset.
conversation:
  timezone: ""                 # e.g. Europe/Berlin, empty = server local time
  web:
    max_context_length: 1000
  telegram:
    max_context_length: 1500

# ─── Engine Events ───────────────────────────────────────────
# Set journal_dir to keep a JSON lines journal of engine events.
# "convogate events stats" rebuilds the counters from it.
events:
  buffer_size: 256
  journal_dir: ""
  max_journal_size: 10485760
`
