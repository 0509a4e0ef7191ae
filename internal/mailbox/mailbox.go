// Package mailbox reads a single IMAP folder over implicit TLS. It lists
// the UIDs currently present and fetches the metadata and a bounded
// text body for individual messages. Sessions are short-lived: open one
// per check, close it when the check is done.
package mailbox

import (
	"errors"
	"time"
)

// Error categories. Every error returned by this package that stems from
// one of these conditions wraps the matching sentinel, so callers can
// branch with errors.Is.
var (
	// ErrAuth means the server rejected the credentials. Retrying will
	// not help; the configuration has to change.
	ErrAuth = errors.New("imap authentication failed")

	// ErrNetwork covers dial failures, timeouts and dropped connections.
	ErrNetwork = errors.New("imap network error")

	// ErrTLS covers certificate verification and handshake failures.
	// Usually transient, but persistent failures point at
	// misconfiguration (wrong host, self-signed certificate).
	ErrTLS = errors.New("imap tls error")

	// ErrMessageGone means the UID disappeared between listing and
	// fetching (expunged or moved by another client).
	ErrMessageGone = errors.New("message no longer in folder")
)

// Listing is the result of listing a folder.
type Listing struct {
	// UIDValidity scopes the UIDs. When it changes, previously seen UIDs
	// no longer identify the same messages.
	UIDValidity uint32

	// UIDs holds every UID in the folder, ascending.
	UIDs []uint32
}

// Message is the metadata and text of one fetched message.
type Message struct {
	UID uint32

	// MessageID is the Message-ID header value.
	MessageID string

	// From is the sender, formatted as "Name <addr>" or just the address.
	From string

	Subject string

	// Date is the message's Date header.
	Date time.Time

	// ReceivedAt is the server's INTERNALDATE: when the message arrived
	// in the mailbox. Falls back to Date when the server omits it.
	ReceivedAt time.Time

	// Size is the RFC822 size in bytes.
	Size uint32

	// Text is the readable body: the first text/plain part, or visible
	// text extracted from text/html when no plain part exists. Bounded
	// by maxTextSize.
	Text string
}
