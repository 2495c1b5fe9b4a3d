package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"dealwatch/internal/detect"
)

// ErrImageUnavailable reports that the event's image could not be fetched.
// The caller folds it into the item's soft-death counter.
var ErrImageUnavailable = errors.New("publish: image unavailable")

// Sink delivers accepted change events.
type Sink interface {
	Publish(ctx context.Context, event detect.Event) error
}

// TelegramSink posts change events to a channel through the Bot API.
type TelegramSink struct {
	botToken  string
	channelID string
	baseURL   string
	client    *http.Client
	logger    zerolog.Logger
}

// NewTelegramSink constructs a Telegram delivery sink.
func NewTelegramSink(botToken, channelID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSink{
		botToken:  botToken,
		channelID: channelID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "sink_telegram").Logger(),
	}
}

// Publish fetches the event's image first, then posts the message. A failed
// image fetch surfaces as ErrImageUnavailable without sending anything.
func (t *TelegramSink) Publish(ctx context.Context, event detect.Event) error {
	if event.ImageURL != "" {
		if err := t.probeImage(ctx, event.ImageURL); err != nil {
			return fmt.Errorf("%w: %v", ErrImageUnavailable, err)
		}
	}

	payload := map[string]string{
		"chat_id":    t.channelID,
		"text":       renderMessage(event),
		"parse_mode": "HTML",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	t.logger.Info().
		Str("platform", event.Platform).
		Str("id", event.ExternalID).
		Str("new_baseline", event.NewBaselinePrice.String()).
		Msg("change event published")
	return nil
}

func (t *TelegramSink) probeImage(ctx context.Context, imageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("create image request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("image responded %d", resp.StatusCode)
	}
	return nil
}

// renderMessage builds the HTML message body. Title and URL come from scraped
// payloads and must be escaped or Telegram rejects the whole message.
func renderMessage(event detect.Event) string {
	builder := strings.Builder{}
	if event.Title != "" {
		builder.WriteString(fmt.Sprintf("<b>%s</b>\n", html.EscapeString(event.Title)))
	}
	builder.WriteString(fmt.Sprintf("Price: <s>%s</s> → %s\n",
		event.OldBaselinePrice.StringFixed(2), event.NewBaselinePrice.StringFixed(2)))
	if event.PriceDropPercent > 0 {
		builder.WriteString(fmt.Sprintf("Drop: %.1f%%\n", event.PriceDropPercent))
	}
	if event.NewBaselineDiscount != nil {
		builder.WriteString(fmt.Sprintf("Discount: %.0f%%\n", *event.NewBaselineDiscount))
	}
	if event.URL != "" {
		builder.WriteString(html.EscapeString(event.URL))
	}
	return builder.String()
}

var _ Sink = (*TelegramSink)(nil)
