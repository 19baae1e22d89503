package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/nextcloud-backup/internal/models"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Telegram sends notifications through the Telegram Bot API.
type Telegram struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
	cfg        models.TelegramConfig
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(logger zerolog.Logger, cfg models.TelegramConfig) *Telegram {
	return &Telegram{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
		cfg:     cfg,
	}
}

// NewTelegramWithClient creates a Telegram notifier with a custom HTTP client (for testing).
func NewTelegramWithClient(logger zerolog.Logger, cfg models.TelegramConfig, httpClient HTTPClient, baseURL string) *Telegram {
	return &Telegram{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		cfg:        cfg,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Notify implements Notifier.
func (s *Telegram) Notify(ctx context.Context, n models.Notification) error {
	result, err := s.SendNotification(ctx, n)
	if err != nil {
		return err
	}
	return result.Error
}

// SendNotification sends a notification via Telegram.
func (s *Telegram) SendNotification(ctx context.Context, n models.Notification) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", s.cfg.ChatID).
		Str("kind", string(n.Kind)).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    s.cfg.ChatID,
		Text:      formatMessage(n),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(n models.Notification) string {
	var b bytes.Buffer

	switch n.Kind {
	case models.NotifyBackupSucceeded:
		b.WriteString("✅ <b>Nextcloud Backup Successful</b>\n\n")
	case models.NotifyBackupFailed:
		b.WriteString("❌ <b>Nextcloud Backup Failed</b>\n\n")
	case models.NotifyTaskRepaired:
		b.WriteString("🔧 <b>Scheduled Task Repaired</b>\n\n")
	case models.NotifyRestoreFinished:
		b.WriteString("♻️ <b>Nextcloud Restore Finished</b>\n\n")
	}

	b.WriteString(fmt.Sprintf("🖥 <b>Host:</b> %s\n", escapeHTML(n.Host)))
	if !n.StartTime.IsZero() {
		b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", n.StartTime.Format("2006-01-02 15:04:05")))
		b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", n.Duration.Round(time.Second)))
	}

	switch n.Kind {
	case models.NotifyBackupSucceeded:
		b.WriteString("\n<b>📊 Archive:</b>\n")
		b.WriteString(fmt.Sprintf("  • File: <code>%s</code>\n", escapeHTML(n.ArchivePath)))
		b.WriteString(fmt.Sprintf("  • Size: %s\n", formatBytes(n.SizeBytes)))
		b.WriteString(fmt.Sprintf("  • Encrypted: %t\n", n.Encrypted))
		b.WriteString(fmt.Sprintf("  • Verification: %s\n", n.Verification))
		if n.Rotated > 0 {
			b.WriteString("\n<b>🗑 Rotation:</b>\n")
			b.WriteString(fmt.Sprintf("  • Archives removed: %d\n", n.Rotated))
		}
	case models.NotifyBackupFailed:
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		b.WriteString(fmt.Sprintf("  • Failed step: %s\n", escapeHTML(n.FailedStep)))
		b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(n.ErrorMessage)))
	case models.NotifyTaskRepaired:
		b.WriteString(fmt.Sprintf("  • Old path: <code>%s</code>\n", escapeHTML(n.OldPath)))
		b.WriteString(fmt.Sprintf("  • New path: <code>%s</code>\n", escapeHTML(n.NewPath)))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatBytes formats bytes into human-readable format.
func FormatBytes(bytes int64) string {
	return formatBytes(bytes)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
