package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/nugget/mailgate/internal/config"
	"github.com/nugget/mailgate/internal/httpkit"
)

// ErrDeliveryFailed is wrapped by every error Send returns: the gateway
// did not acknowledge the notification.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Sender posts notifications to the gateway. Requests are spaced by a
// token-bucket limiter with burst 1, so callers may call Send in a
// tight loop; excess calls block rather than drop. Transport errors,
// 5xx and 429 responses are retried with exponential backoff. Other
// 4xx responses fail at once.
//
// Send is safe for concurrent use, although the poller calls it
// sequentially.
type Sender struct {
	url         string
	channel     string
	client      *http.Client
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewSender creates a Sender for the configured gateway endpoint.
func NewSender(cfg config.GatewayConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if d := cfg.RateLimit(); d > 0 {
		limit = rate.Every(d)
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	// Each attempt is bounded by its own context timeout; the client
	// timeout is a backstop.
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(cfg.Timeout() + 5*time.Second),
		httpkit.WithBearerToken(cfg.Token),
		httpkit.WithUserAgent(cfg.UserAgent),
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	client := httpkit.NewClient(opts...)

	return &Sender{
		url:         cfg.URL(),
		channel:     cfg.Channel,
		client:      client,
		limiter:     rate.NewLimiter(limit, 1),
		timeout:     cfg.Timeout(),
		maxAttempts: attempts,
		backoffBase: cfg.BackoffBase(),
		backoffMax:  cfg.BackoffMax(),
		logger:      logger,
		now:         time.Now,
	}
}

// URL returns the endpoint notifications are posted to.
func (s *Sender) URL() string {
	return s.url
}

// Send delivers n, retrying transient failures. It returns nil only
// when the gateway answered 2xx. Any other outcome wraps
// [ErrDeliveryFailed].
func (s *Sender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(newPayload(n, s.channel))
	if err != nil {
		return fmt.Errorf("%w: encode UID %d: %w", ErrDeliveryFailed, n.UID, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.backoffMax

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := s.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return struct{}{}, s.post(ctx, body)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("gateway delivery failed, retrying",
				"uid", n.UID,
				"attempt", attempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: UID %d after %d attempt(s): %w", ErrDeliveryFailed, n.UID, attempts, err)
	}

	s.logger.Debug("notification delivered",
		"uid", n.UID,
		"id", n.ID,
		"attempts", attempts,
	)
	return nil
}

// post performs one HTTP attempt. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (s *Sender) post(ctx context.Context, body []byte) error {
	reqCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("post %s: %w", s.url, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}

	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Body:       httpkit.ReadErrorBody(resp.Body, 512),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := httpkit.RetryAfter(resp.Header.Get("Retry-After"), s.now()); ok {
			return fmt.Errorf("%w (%w)", statusErr, &backoff.RetryAfterError{Duration: min(d, s.backoffMax)})
		}
		return statusErr
	case resp.StatusCode >= 500:
		return statusErr
	default:
		return backoff.Permanent(statusErr)
	}
}
