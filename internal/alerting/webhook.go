package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/models"
)

// KindWebhook is the signed HTTP callback channel kind.
const KindWebhook = "webhook"

// SignatureHeader carries "sha256=<hex hmac of the body>".
const SignatureHeader = "X-Signature-256"

// Notification is the JSON document published by webhook and kafka channels.
type Notification struct {
	FireID    string    `json:"fire_id"`
	RuleID    string    `json:"rule_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Symbol    string    `json:"symbol"`
	Operator  string    `json:"operator"`
	Threshold string    `json:"threshold"`
	Value     string    `json:"value"`
	QuoteAt   time.Time `json:"quote_at"`
	FiredAt   time.Time `json:"fired_at"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
}

// NewNotification flattens a message for machine consumers.
func NewNotification(msg Message) Notification {
	return Notification{
		FireID:    msg.Fire.ID,
		RuleID:    msg.Fire.RuleID,
		OwnerID:   msg.OwnerID,
		Symbol:    msg.Fire.Symbol,
		Operator:  string(msg.Fire.Operator),
		Threshold: msg.Fire.Threshold.String(),
		Value:     msg.Fire.Value.String(),
		QuoteAt:   msg.Fire.QuoteAt.UTC(),
		FiredAt:   msg.Fire.FiredAt.UTC(),
		Subject:   msg.Subject,
		Text:      msg.Text,
	}
}

// WebhookAdapter posts notifications to the target URL.
type WebhookAdapter struct {
	secret []byte
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookAdapter builds the webhook adapter; an empty secret disables signing.
func NewWebhookAdapter(secret string, timeout time.Duration, logger zerolog.Logger) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAdapter{
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

func (a *WebhookAdapter) Kind() string { return KindWebhook }

func (a *WebhookAdapter) Send(ctx context.Context, target models.ChannelTarget, msg Message) error {
	u, err := url.Parse(target.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Permanent(fmt.Errorf("invalid webhook url %q", target.Address))
	}

	body, err := json.Marshal(NewNotification(msg))
	if err != nil {
		return Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.Fire.ID+":"+target.Key())
	if len(a.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(a.secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("send webhook: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Transient(fmt.Errorf("webhook status %d", resp.StatusCode))
	default:
		return Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}

	a.logger.Info().
		Str("fire_id", msg.Fire.ID).
		Str("channel", target.Key()).
		Msg("webhook delivered")
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

var _ Adapter = (*WebhookAdapter)(nil)
