package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Session is an authenticated IMAP connection. It is not safe for
// concurrent use; the poller drives one session from one goroutine.
type Session struct {
	conn    net.Conn
	client  *imapclient.Client
	timeout time.Duration
	logger  *slog.Logger

	// stop detaches the context watcher that closes conn on cancel.
	stop func() bool

	selected string
}

func newSession(ctx context.Context, conn net.Conn, client *imapclient.Client, timeout time.Duration, logger *slog.Logger) *Session {
	s := &Session{
		conn:    conn,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
	s.stop = context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return s
}

// do runs fn under the per-operation deadline. The deadline is cleared
// afterwards so an idle session is not torn down while the caller is
// busy elsewhere (forwarding to the gateway, for instance).
func (s *Session) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
		defer func() { _ = s.conn.SetDeadline(time.Time{}) }()
	}
	return fn()
}

// selectFolder opens folder read-only. EXAMINE keeps the listing and
// fetches from touching \Seen or \Recent.
func (s *Session) selectFolder(folder string) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	data, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	s.selected = folder
	return data, nil
}

// List selects folder and returns its UIDVALIDITY and every UID it
// currently holds, ascending.
func (s *Session) List(ctx context.Context, folder string) (Listing, error) {
	var listing Listing
	err := s.do(ctx, func() error {
		data, err := s.selectFolder(folder)
		if err != nil {
			return err
		}
		listing.UIDValidity = data.UIDValidity
		if data.NumMessages == 0 {
			return nil
		}

		searchData, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return fmt.Errorf("search %s: %w", folder, err)
		}
		for _, uid := range searchData.AllUIDs() {
			listing.UIDs = append(listing.UIDs, uint32(uid))
		}
		return nil
	})
	if err != nil {
		return Listing{}, classify(ctx, "list "+folder, err)
	}

	slices.Sort(listing.UIDs)
	s.logger.Debug("listed folder",
		"folder", folder,
		"uid_validity", listing.UIDValidity,
		"messages", len(listing.UIDs),
	)
	return listing, nil
}

// Fetch returns the envelope, arrival time and text of the message with
// the given UID. The body is fetched with PEEK so reading it does not
// mark the message seen. Returns [ErrMessageGone] when the server has
// no message under that UID any more.
func (s *Session) Fetch(ctx context.Context, folder string, uid uint32) (*Message, error) {
	var (
		result  *Message
		rawBody []byte
	)
	err := s.do(ctx, func() error {
		if s.selected != folder {
			if _, err := s.selectFolder(folder); err != nil {
				return err
			}
		}

		uidSet := imap.UIDSet{}
		uidSet.AddNum(imap.UID(uid))

		fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
			UID:          true,
			Envelope:     true,
			InternalDate: true,
			RFC822Size:   true,
			BodySection: []*imap.FetchItemBodySection{
				{Peek: true},
			},
		})

		msg := fetchCmd.Next()
		if msg == nil {
			if err := fetchCmd.Close(); err != nil {
				return fmt.Errorf("fetch UID %d: %w", uid, err)
			}
			return fmt.Errorf("UID %d in %s: %w", uid, folder, ErrMessageGone)
		}

		result = &Message{UID: uid}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				result.UID = uint32(data.UID)
			case imapclient.FetchItemDataRFC822Size:
				result.Size = uint32(data.Size)
			case imapclient.FetchItemDataInternalDate:
				result.ReceivedAt = data.Time
			case imapclient.FetchItemDataEnvelope:
				applyEnvelope(result, data.Envelope)
			case imapclient.FetchItemDataBodySection:
				// The literal streams off the connection and is gone once
				// msg.Next advances, so read it now.
				if data.Literal == nil {
					continue
				}
				body, readErr := io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
				_, _ = io.Copy(io.Discard, data.Literal)
				if readErr != nil {
					s.logger.Debug("error reading body literal", "uid", uid, "error", readErr)
					continue
				}
				rawBody = body
			}
		}

		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetch UID %d: %w", uid, err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(ctx, "fetch", err)
	}

	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = result.Date
	}
	if rawBody != nil {
		text, err := extractText(bytes.NewReader(rawBody))
		if err != nil {
			s.logger.Debug("body parse error", "uid", uid, "error", err)
		}
		result.Text = text
	}
	return result, nil
}

func applyEnvelope(m *Message, env *imap.Envelope) {
	if env == nil {
		return
	}
	m.Date = env.Date
	m.Subject = env.Subject
	m.MessageID = env.MessageID
	if len(env.From) > 0 {
		m.From = formatAddress(env.From[0])
	} else if len(env.Sender) > 0 {
		m.From = formatAddress(env.Sender[0])
	}
}

func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

// Close logs out and closes the connection. Logout failures are
// ignored; the connection is closed regardless.
func (s *Session) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("IMAP logout failed", "error", err)
	}
	s.stop()
	return s.client.Close()
}

// abort tears the connection down without a LOGOUT.
func (s *Session) abort() {
	s.stop()
	_ = s.client.Close()
}
