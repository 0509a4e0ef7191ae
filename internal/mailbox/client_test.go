package mailbox

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nugget/mailgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(attempts int) config.IMAPConfig {
	return config.IMAPConfig{
		Host:            "127.0.0.1",
		Port:            993,
		Username:        "alice@example.com",
		Password:        "secret",
		Folder:          "INBOX",
		TimeoutSec:      5,
		ConnectAttempts: attempts,
	}
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	c := NewClient(testConfig(3), testLogger(), WithRetryBase(time.Millisecond))

	calls := 0
	want := &Session{}
	c.open = func(ctx context.Context) (*Session, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("dial: %w", ErrNetwork)
		}
		return want, nil
	}

	got, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != want {
		t.Error("Connect did not return the session from the successful attempt")
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestConnect_AuthNotRetried(t *testing.T) {
	c := NewClient(testConfig(5), testLogger(), WithRetryBase(time.Millisecond))

	calls := 0
	c.open = func(ctx context.Context) (*Session, error) {
		calls++
		return nil, fmt.Errorf("login: %w", ErrAuth)
	}

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Connect error = %v, want ErrAuth", err)
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1", calls)
	}
}

func TestConnect_GivesUpAfterAttempts(t *testing.T) {
	c := NewClient(testConfig(2), testLogger(), WithRetryBase(time.Millisecond))

	calls := 0
	c.open = func(ctx context.Context) (*Session, error) {
		calls++
		return nil, fmt.Errorf("handshake: %w", ErrTLS)
	}

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrTLS) {
		t.Fatalf("Connect error = %v, want ErrTLS", err)
	}
	if calls != 2 {
		t.Errorf("attempts = %d, want 2", calls)
	}
}

func TestConnect_CancelledDuringBackoff(t *testing.T) {
	c := NewClient(testConfig(5), testLogger(), WithRetryBase(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	c.open = func(context.Context) (*Session, error) {
		cancel()
		return nil, fmt.Errorf("dial: %w", ErrNetwork)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Connect succeeded after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after cancellation")
	}
}

func TestDial_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig(1)
	cfg.Port = port
	c := NewClient(cfg, testLogger())

	_, err = c.Connect(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Connect error = %v, want ErrNetwork", err)
	}
	if errors.Is(err, ErrAuth) {
		t.Error("refused connection classified as auth failure")
	}
}

func TestDial_UntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig(1)
	cfg.Host = host
	cfg.Port = port
	c := NewClient(cfg, testLogger())

	_, err = c.Connect(context.Background())
	if !errors.Is(err, ErrTLS) {
		t.Fatalf("Connect error = %v, want ErrTLS", err)
	}
}

func TestClassify(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		err     error
		want    error
		notWant error
	}{
		{
			name: "nil",
			ctx:  context.Background(),
			err:  nil,
		},
		{
			name: "network",
			ctx:  context.Background(),
			err:  &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")},
			want: ErrNetwork,
		},
		{
			name: "eof",
			ctx:  context.Background(),
			err:  io.ErrUnexpectedEOF,
			want: ErrNetwork,
		},
		{
			name: "unknown authority",
			ctx:  context.Background(),
			err:  x509.UnknownAuthorityError{},
			want: ErrTLS,
		},
		{
			name: "hostname mismatch",
			ctx:  context.Background(),
			err:  fmt.Errorf("handshake: %w", x509.HostnameError{Certificate: &x509.Certificate{}, Host: "mail.example.com"}),
			want: ErrTLS,
		},
		{
			name:    "server NO keeps its meaning",
			ctx:     context.Background(),
			err:     &imap.Error{Type: imap.StatusResponseTypeNo, Text: "Mailbox does not exist"},
			notWant: ErrNetwork,
		},
		{
			name: "already categorized",
			ctx:  context.Background(),
			err:  fmt.Errorf("UID 7: %w", ErrMessageGone),
			want: ErrMessageGone,
		},
		{
			name:    "cancelled context wins",
			ctx:     cancelled,
			err:     io.ErrUnexpectedEOF,
			want:    context.Canceled,
			notWant: ErrNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.ctx, "op", tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("classify(nil) = %v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("classify returned nil")
			}
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("classify = %v, want wrapping %v", got, tt.want)
			}
			if tt.notWant != nil && errors.Is(got, tt.notWant) {
				t.Errorf("classify = %v, should not wrap %v", got, tt.notWant)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classify = %v lost the original error", got)
			}
		})
	}
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NO AUTHENTICATIONFAILED", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed}, true},
		{"NO AUTHORIZATIONFAILED", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthorizationFailed}, true},
		{"NO EXPIRED", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeExpired}, true},
		{"bare NO", &imap.Error{Type: imap.StatusResponseTypeNo, Text: "Login failed"}, true},
		{"BAD", fmt.Errorf("login: %w", &imap.Error{Type: imap.StatusResponseTypeBad}), true},
		{"NO UNAVAILABLE", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeUnavailable}, false},
		{"NO SERVERBUG", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeServerBug}, false},
		{"NO LIMIT", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeLimit}, false},
		{"BYE", &imap.Error{Type: imap.StatusResponseTypeBye}, false},
		{"transport", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRejection(tt.err); got != tt.want {
				t.Errorf("isRejection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NO UNAVAILABLE", fmt.Errorf("login: %w", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeUnavailable}), true},
		{"NO SERVERBUG", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeServerBug}, true},
		{"NO LIMIT", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeLimit}, true},
		{"NO AUTHENTICATIONFAILED", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed}, false},
		{"BAD UNAVAILABLE", &imap.Error{Type: imap.StatusResponseTypeBad, Code: imap.ResponseCodeUnavailable}, false},
		{"transport", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTemporary(tt.err); got != tt.want {
				t.Errorf("isTemporary(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
