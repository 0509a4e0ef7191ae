// Package gateway delivers new-mail notifications to the automation
// gateway over HTTP.
package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes notification IDs so they cannot collide with
// UUIDv5 values minted elsewhere from the same names.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/nugget/mailgate/notification"))

// Notification describes one new message. It is built from a fetched
// message, sent once, and dropped.
type Notification struct {
	// ID is stable for a given account, folder, UIDVALIDITY and UID, so
	// a redelivery after a crash carries the same ID as the original.
	ID uuid.UUID

	UID        uint32
	Folder     string
	Sender     string
	Subject    string
	ReceivedAt time.Time
	Excerpt    string
}

// NotificationID returns the deterministic (version 5) ID for a
// message.
func NotificationID(account, folder string, uidValidity, uid uint32) uuid.UUID {
	name := strings.Join([]string{
		account,
		folder,
		strconv.FormatUint(uint64(uidValidity), 10),
		strconv.FormatUint(uint64(uid), 10),
	}, "\x00")
	return uuid.NewSHA1(idNamespace, []byte(name))
}

// payload is the JSON body posted to the gateway. The structured fields
// are for programmatic consumers; channel and message keep the chat
// channel contract, where message is the human-readable rendering.
type payload struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Folder     string `json:"folder"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	ReceivedAt string `json:"received_at"`
	Excerpt    string `json:"excerpt"`
	Channel    string `json:"channel,omitempty"`
	Message    string `json:"message"`
}

func newPayload(n Notification, channel string) payload {
	return payload{
		ID:         n.ID.String(),
		Identifier: strconv.FormatUint(uint64(n.UID), 10),
		Folder:     n.Folder,
		Sender:     n.Sender,
		Subject:    n.Subject,
		ReceivedAt: n.ReceivedAt.UTC().Format(time.RFC3339),
		Excerpt:    n.Excerpt,
		Channel:    channel,
		Message:    formatMessage(n),
	}
}

// formatMessage renders the notification for a chat channel.
func formatMessage(n Notification) string {
	var sb strings.Builder
	sb.WriteString("New Email Received\n\n")
	fmt.Fprintf(&sb, "From: %s\n", orNone(n.Sender))
	fmt.Fprintf(&sb, "Subject: %s\n", orNone(n.Subject))
	fmt.Fprintf(&sb, "Date: %s\n", n.ReceivedAt.Format(time.RFC1123Z))
	if n.Excerpt != "" {
		sb.WriteString("\nPreview:\n")
		sb.WriteString(n.Excerpt)
	}
	return sb.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
