package eventbus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/retry"
	"github.com/flowmesh/flowmesh/types"
)

// WebhookConfig configures one webhook endpoint.
type WebhookConfig struct {
	// URL receives a POST per event.
	URL string
	// Secret signs the body with HMAC-SHA256 into X-Flowmesh-Signature.
	Secret string
	// Timeout bounds one delivery attempt.
	Timeout time.Duration
	// MaxRetries bounds redelivery attempts (at-least-once).
	MaxRetries int
	// Filter restricts which events are delivered.
	Filter SubscriberFilter
}

// WebhookDispatcher subscribes to the bus and POSTs events to an external
// endpoint with an HMAC signature and at-least-once retry semantics.
type WebhookDispatcher struct {
	config  WebhookConfig
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
	sub     *Subscription
	done    chan struct{}
}

// NewWebhookDispatcher wires a dispatcher to the bus and starts its
// delivery loop.
func NewWebhookDispatcher(bus *Bus, config WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &WebhookDispatcher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		retryer: retry.New(retry.Policy{
			MaxRetries: config.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   15 * time.Second,
		}, logger),
		logger: logger.With(zap.String("component", "webhook_dispatcher"), zap.String("url", config.URL)),
		sub:    bus.Subscribe(config.Filter),
		done:   make(chan struct{}),
	}

	go d.run()
	return d
}

// Close stops the delivery loop.
func (d *WebhookDispatcher) Close() {
	d.sub.Close()
	<-d.done
}

func (d *WebhookDispatcher) run() {
	defer close(d.done)
	for event := range d.sub.Events() {
		if err := d.deliver(event); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("event_type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

func (d *WebhookDispatcher) deliver(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	signature := Sign(body, d.config.Secret)

	return d.retryer.Do(context.Background(), func(int) error {
		req, err := http.NewRequest(http.MethodPost, d.config.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Flowmesh-Signature", signature)
		req.Header.Set("X-Flowmesh-Event", string(event.Type))

		resp, err := d.client.Do(req)
		if err != nil {
			return types.NewError(types.ErrAgentNetwork, "webhook post failed").
				WithCause(err).WithRetryable(true)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return types.Errorf(types.ErrAgentStatus, "webhook returned %d", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(types.RetryableHTTPStatus(resp.StatusCode))
	})
}

// Sign computes the hex HMAC-SHA256 of the body under the secret, the
// value carried in X-Flowmesh-Signature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body in
// constant time.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
