package alerting

import (
	"github.com/rs/zerolog"

	"vault-watcher/internal/config"
)

// FromConfig 按配置构造启用的渠道；alerting.enabled=false 时返回空。
func FromConfig(cfg config.AlertingConfig, logger zerolog.Logger) []Notifier {
	if !cfg.Enabled {
		return nil
	}
	var out []Notifier
	if cfg.Slack.Enabled {
		out = append(out, NewSlackNotifier(cfg.Slack.URL, cfg.Timeout, logger))
	}
	if cfg.Mattermost.Enabled {
		out = append(out, NewMattermostNotifier(cfg.Mattermost.URL, cfg.Mattermost.Channel, cfg.Mattermost.Username, cfg.Timeout, logger))
	}
	if cfg.Telegram.Enabled {
		out = append(out, NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, logger))
	}
	return out
}
