// Package marketplace implements the source capability for storefronts that
// expose HTML listing pages and a JSON product detail endpoint.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dealwatch/internal/config"
	"dealwatch/internal/source"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Adapter fetches listings and product details for one configured platform.
type Adapter struct {
	platform string
	cfg      config.PlatformConfig
	client   *http.Client
	logger   zerolog.Logger
}

// New constructs an Adapter for one platform.
func New(platform string, cfg config.PlatformConfig, logger zerolog.Logger) *Adapter {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	return &Adapter{
		platform: platform,
		cfg:      cfg,
		client:   newClient(cfg.RequestTimeout),
		logger:   logger.With().Str("component", "adapter").Str("platform", platform).Logger(),
	}
}

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:    50,
			IdleConnTimeout: 90 * time.Second,
		},
	}
}

// ListTopic starts a fresh listing crawl for one topic.
func (a *Adapter) ListTopic(_ context.Context, topic string) (source.Listing, error) {
	return newTopicListing(a, topic)
}

// detailPayload mirrors the storefront's product detail JSON.
type detailPayload struct {
	Title    string      `json:"title"`
	URL      string      `json:"url"`
	Image    string      `json:"image"`
	Price    json.Number `json:"price"`
	OldPrice json.Number `json:"old_price"`
	Discount *float64    `json:"discount"`
	Rating   *float64    `json:"rating"`
	InStock  *bool       `json:"in_stock"`
}

// FetchDetail retrieves and normalizes one product detail payload.
func (a *Adapter) FetchDetail(ctx context.Context, id string) (source.Detail, error) {
	url := a.cfg.BaseURL + fmt.Sprintf(a.cfg.DetailPath, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return source.Detail{}, fmt.Errorf("create detail request: %w", err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return source.Detail{}, fmt.Errorf("fetch detail %s: %w", id, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return source.Detail{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return source.Detail{}, fmt.Errorf("detail %s: unexpected status %d", id, resp.StatusCode)
	}

	var payload detailPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return source.Detail{}, source.ErrParse{Err: fmt.Errorf("decode detail %s: %w", id, err)}
	}

	detail := source.Detail{
		Title:    payload.Title,
		URL:      payload.URL,
		ImageURL: payload.Image,
		Discount: payload.Discount,
		Rating:   payload.Rating,
		InStock:  payload.InStock,
	}

	if detail.Price, err = parsePrice(payload.Price); err != nil {
		return source.Detail{}, source.ErrParse{Err: fmt.Errorf("detail %s price: %w", id, err)}
	}
	if detail.OldPrice, err = parsePrice(payload.OldPrice); err != nil {
		return source.Detail{}, source.ErrParse{Err: fmt.Errorf("detail %s old price: %w", id, err)}
	}

	return detail, nil
}

// Reconnect swaps the transport for a clean session.
func (a *Adapter) Reconnect(_ context.Context) error {
	a.client.CloseIdleConnections()
	a.client = newClient(a.cfg.RequestTimeout)
	a.logger.Info().Msg("transport reset")
	return nil
}

// Close releases transport resources. Safe after any error.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func parsePrice(raw json.Number) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw.String())
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// classifyStatus maps HTTP status codes onto the failure taxonomy. Statuses
// outside the taxonomy return nil and are handled by the caller.
func classifyStatus(status int) error {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return source.ErrBlocking{Status: status, Err: fmt.Errorf("status %d", status)}
	case http.StatusNotFound, http.StatusGone:
		return source.ErrNotFound{Status: status, Err: fmt.Errorf("status %d", status)}
	}
	return nil
}

var _ source.Adapter = (*Adapter)(nil)
