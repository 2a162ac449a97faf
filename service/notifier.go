package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"media-pipeline/dto"
	"net/http"
	"time"
)

// Notifier is told about every terminal job transition.
type Notifier interface {
	Notify(ctx context.Context, event dto.JobEvent) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, dto.JobEvent) error { return nil }

type webhookNotifier struct {
	url    string
	client *http.Client
	tries  uint
}

// NewNotifier posts job events to url as JSON. An empty url disables notifications.
func NewNotifier(url string, timeout time.Duration) Notifier {
	if url == "" {
		return noopNotifier{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookNotifier{url: url, client: &http.Client{Timeout: timeout}, tries: 3}
}

func (n *webhookNotifier) Notify(ctx context.Context, event dto.JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	operation := func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return resp.StatusCode, fmt.Errorf("webhook returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
		return resp.StatusCode, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	status, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(n.tries))
	if err != nil {
		return fmt.Errorf("notify %s: %w", n.url, err)
	}
	zerolog.Ctx(ctx).Debug().Str("job_id", event.JobID.String()).Int("status_code", status).Msg("webhook delivered")
	return nil
}
