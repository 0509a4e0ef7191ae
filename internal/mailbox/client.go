package mailbox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/nugget/mailgate/internal/config"
)

// DefaultRetryBase is the delay before the second connection attempt.
// Each further attempt doubles it.
const DefaultRetryBase = 2 * time.Second

const maxRetryDelay = 30 * time.Second

// Client opens IMAP sessions for a single account. It holds no
// connection itself; every Connect dials a fresh one.
type Client struct {
	cfg       config.IMAPConfig
	logger    *slog.Logger
	retryBase time.Duration

	// open performs one connection attempt. Replaced in tests.
	open func(ctx context.Context) (*Session, error)
}

// Option configures a Client.
type Option func(*Client)

// WithRetryBase overrides the delay before the second connection
// attempt.
func WithRetryBase(d time.Duration) Option {
	return func(c *Client) {
		c.retryBase = d
	}
}

// NewClient creates a client for the given account configuration.
func NewClient(cfg config.IMAPConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:       cfg,
		logger:    logger,
		retryBase: DefaultRetryBase,
	}
	c.open = c.dial
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the server, waits for the greeting and logs in.
// Transient failures are retried with exponential backoff up to
// imap.connect_attempts times. Rejected credentials are returned
// immediately as [ErrAuth].
//
// The returned session is bound to ctx: cancelling ctx closes the
// underlying connection.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	attempts := c.cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxRetryDelay

	sess, err := backoff.Retry(ctx, func() (*Session, error) {
		s, err := c.open(ctx)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, ErrAuth) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("IMAP connect failed, retrying",
				"addr", c.cfg.Addr(),
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrTLS) {
			c.logger.Error("IMAP TLS handshake failed; check imap.host and the server certificate",
				"addr", c.cfg.Addr(),
				"error", err,
			)
		}
		return nil, err
	}
	return sess, nil
}

// dial performs a single connection attempt.
func (c *Client) dial(ctx context.Context) (*Session, error) {
	addr := c.cfg.Addr()
	timeout := c.cfg.Timeout()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		},
		Config: &tls.Config{
			ServerName:         c.cfg.Host,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed lab servers
			MinVersion:         tls.VersionTLS12,
		},
	}

	c.logger.Debug("connecting to IMAP server", "addr", addr)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(ctx, "dial "+addr, err)
	}

	client := imapclient.New(conn, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	s := newSession(ctx, conn, client, timeout, c.logger)

	err = s.do(ctx, func() error {
		if err := client.WaitGreeting(); err != nil {
			return fmt.Errorf("greeting: %w", err)
		}
		if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
			if isRejection(err) {
				return fmt.Errorf("login as %s: %w: %w", c.cfg.Username, ErrAuth, err)
			}
			if isTemporary(err) {
				return fmt.Errorf("login as %s: %w: %w", c.cfg.Username, ErrNetwork, err)
			}
			return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
		}
		return nil
	})
	if err != nil {
		s.abort()
		return nil, classify(ctx, "connect "+addr, err)
	}

	c.logger.Debug("IMAP connected", "addr", addr, "user", c.cfg.Username)
	return s, nil
}

// isRejection reports whether err is the server refusing the
// credentials themselves: a BAD, or a NO that is either bare or carries
// an authentication response code. A NO with a code that points at the
// server's own trouble is not a rejection.
func isRejection(err error) bool {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return false
	}
	switch imapErr.Type {
	case imap.StatusResponseTypeBad:
		return true
	case imap.StatusResponseTypeNo:
		switch imapErr.Code {
		case "", imap.ResponseCodeAuthenticationFailed,
			imap.ResponseCodeAuthorizationFailed, imap.ResponseCodeExpired:
			return true
		}
	}
	return false
}

// isTemporary reports whether err is a NO that the server marks as a
// passing condition (auth backend down, internal error, rate limit).
// Dovecot answers LOGIN this way while its passdb is unreachable.
func isTemporary(err error) bool {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) || imapErr.Type != imap.StatusResponseTypeNo {
		return false
	}
	switch imapErr.Code {
	case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug, imap.ResponseCodeLimit:
		return true
	}
	return false
}

// classify wraps err with the sentinel for its category. Errors that
// already carry a category, and server status responses, keep their
// meaning; anything else that went wrong on the wire is a network
// failure.
func classify(ctx context.Context, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", op, ctx.Err(), err)
	case errors.Is(err, ErrAuth), errors.Is(err, ErrMessageGone),
		errors.Is(err, ErrTLS), errors.Is(err, ErrNetwork):
		return fmt.Errorf("%s: %w", op, err)
	case isTLSError(err):
		return fmt.Errorf("%s: %w: %w", op, ErrTLS, err)
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}
