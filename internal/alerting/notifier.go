// Package alerting 负责把异常事件推送到外部渠道。
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vault-watcher/internal/dispatch"
	"vault-watcher/internal/storage"
)

// Notification 封装告警上下文。
type Notification struct {
	AccountID string
	Name      string
	Address   string
	Kind      string
	Rule      string
	At        time.Time

	// vault fields
	Current   decimal.Decimal
	Previous  decimal.Decimal
	Reference decimal.Decimal
	Delta     decimal.Decimal
	MaxChange decimal.Decimal
	Span      time.Duration
	Period    time.Duration
	Minimum   decimal.Decimal

	// program fields
	PreviousFingerprint string
	CurrentFingerprint  string
	PreviousDetail      string
	CurrentDetail       string

	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notification Notification) error
}

// RenderMessage 生成渠道无关的纯文本告警。
func RenderMessage(note Notification) string {
	b := strings.Builder{}
	switch note.Rule {
	case storage.RuleMaxChange:
		fmt.Fprintf(&b, "[Vault Watcher] Vault balance spike detected for %s (%s)\n", note.Name, note.Address)
		fmt.Fprintf(&b, "Change: %s within %s (limit %s per %s)\n",
			note.Delta.String(), formatSpan(note.Span), note.MaxChange.String(), formatSpan(note.Period))
		fmt.Fprintf(&b, "Window reference: %s - current balance: %s\n", note.Reference.String(), note.Current.String())
		fmt.Fprintf(&b, "Previous balance: %s\n", note.Previous.String())
	case storage.RuleLowBalance:
		fmt.Fprintf(&b, "[Vault Watcher] Vault balance low for %s (%s)\n", note.Name, note.Address)
		fmt.Fprintf(&b, "Current balance: %s (minimum %s)\n", note.Current.String(), note.Minimum.String())
		fmt.Fprintf(&b, "Previous balance: %s\n", note.Previous.String())
	case storage.RuleProgramChange:
		fmt.Fprintf(&b, "[Vault Watcher] Program change detected for %s (%s)\n", note.Name, note.Address)
		fmt.Fprintf(&b, "Previous: %s\n", describe(note.PreviousDetail, note.PreviousFingerprint))
		fmt.Fprintf(&b, "Current: %s\n", describe(note.CurrentDetail, note.CurrentFingerprint))
	default:
		fmt.Fprintf(&b, "[Vault Watcher] %s alert for %s (%s)\n", note.Rule, note.Name, note.Address)
	}
	fmt.Fprintf(&b, "Time: %s UTC\n", note.At.UTC().Format(time.RFC3339))
	if note.AdditionalMsg != "" {
		b.WriteString(note.AdditionalMsg)
	}
	return b.String()
}

func describe(detail, fingerprint string) string {
	short := fingerprint
	if len(short) > 16 {
		short = short[:16]
	}
	switch {
	case detail != "" && short != "":
		return fmt.Sprintf("%s (sha256 %s)", detail, short)
	case detail != "":
		return detail
	default:
		return "sha256 " + short
	}
}

func formatSpan(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Millisecond).String()
}

// postJSON 发送 JSON 并按状态码区分可重试与永久失败。
func postJSON(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		statusErr := fmt.Errorf("响应码异常: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return nil, dispatch.Permanent(statusErr)
		}
		return nil, statusErr
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
