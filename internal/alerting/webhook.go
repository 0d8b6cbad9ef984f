package alerting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var (
	_ Notifier = (*SlackNotifier)(nil)
	_ Notifier = (*MattermostNotifier)(nil)
)

// SlackNotifier 通过 incoming webhook 推送到 Slack。
type SlackNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewSlackNotifier 构造 Slack 告警器。
func NewSlackNotifier(url string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_slack").Logger(),
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	resp, err := postJSON(ctx, n.client, n.url, map[string]string{"text": RenderMessage(note)})
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	drain(resp)

	n.logger.Info().Str("account_id", note.AccountID).Str("rule", note.Rule).Msg("告警已发送 (Slack)")
	return nil
}

// MattermostNotifier 通过 incoming webhook 推送到 Mattermost。
type MattermostNotifier struct {
	url      string
	channel  string
	username string
	client   *http.Client
	logger   zerolog.Logger
}

// NewMattermostNotifier 构造 Mattermost 告警器；channel 与 username 可为空。
func NewMattermostNotifier(url, channel, username string, timeout time.Duration, logger zerolog.Logger) *MattermostNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MattermostNotifier{
		url:      url,
		channel:  channel,
		username: username,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_mattermost").Logger(),
	}
}

func (n *MattermostNotifier) Name() string { return "mattermost" }

func (n *MattermostNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{"text": RenderMessage(note)}
	if n.channel != "" {
		payload["channel"] = n.channel
	}
	if n.username != "" {
		payload["username"] = n.username
	}

	resp, err := postJSON(ctx, n.client, n.url, payload)
	if err != nil {
		return fmt.Errorf("mattermost: %w", err)
	}
	drain(resp)

	n.logger.Info().Str("account_id", note.AccountID).Str("rule", note.Rule).Msg("告警已发送 (Mattermost)")
	return nil
}
