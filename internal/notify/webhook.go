package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"portalauth/internal/security"
)

type WebhookOptions struct {
	URL             string
	Secret          string
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// WebhookDeliverer posts messages to the rendering service. 5xx responses and
// transport errors are retried with exponential backoff, 4xx are not.
type WebhookDeliverer struct {
	opts   WebhookOptions
	client *http.Client
	now    func() time.Time
	log    zerolog.Logger
}

func NewWebhookDeliverer(opts WebhookOptions, log zerolog.Logger) *WebhookDeliverer {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxElapsedTime <= 0 {
		opts.MaxElapsedTime = time.Minute
	}
	return &WebhookDeliverer{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		now:    time.Now,
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, msg Message) error {
	if d.opts.URL == "" {
		d.log.Info().
			Str("kind", string(msg.Kind)).
			Str("identity_id", msg.IdentityID).
			Msg("no webhook configured, notification logged only")
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	attempt := 0
	op := func() error {
		attempt++
		ts := d.now().Unix()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(security.HeaderWebhookTimestamp, strconv.FormatInt(ts, 10))
		if d.opts.Secret != "" {
			req.Header.Set(security.HeaderWebhookSignature, security.SignPayload(d.opts.Secret, ts, body))
		}

		res, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", res.StatusCode)
		case res.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook rejected notification: %d", res.StatusCode))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.InitialInterval
	bo.MaxElapsedTime = d.opts.MaxElapsedTime
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("deliver %s notification after %d attempts: %w", msg.Kind, attempt, err)
	}

	d.log.Debug().Str("kind", string(msg.Kind)).Int("attempts", attempt).Msg("notification delivered")
	return nil
}
