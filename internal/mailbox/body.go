package mailbox

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders
	"github.com/emersion/go-message/mail"
)

// maxRawMessageSize bounds how much of a message literal is buffered.
// The rest of the literal is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 2 * 1024 * 1024

// maxTextSize bounds the decoded text kept per message. Notifications
// only carry an excerpt, so there is no point holding more.
const maxTextSize = 16 * 1024

// extractText walks the MIME tree of a raw RFC 5322 message and returns
// its readable text. The first text/plain part wins; if the message has
// none, the first text/html part is rendered to text. Attachments are
// ignored.
//
// Unknown charsets are tolerated: go-message hands back a usable reader
// along with the error, and a slightly garbled excerpt beats none.
func extractText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return "", errors.New("create mail reader: no reader")
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// A broken later part should not discard an HTML body
			// already read.
			if htmlBody != "" {
				break
			}
			return "", fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}

		switch {
		case contentType == "text/plain":
			body, err := readBounded(part.Body)
			if err != nil {
				continue
			}
			if text := cleanWhitespace(body); text != "" {
				return text, nil
			}
		case contentType == "text/html" && htmlBody == "":
			body, err := readBounded(part.Body)
			if err != nil {
				continue
			}
			htmlBody = body
		}
	}

	if htmlBody != "" {
		return htmlText(htmlBody), nil
	}
	return "", nil
}

func readBounded(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTextSize))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// Excerpt flattens text to a single line and truncates it to at most
// limit runes, appending an ellipsis when anything was cut. A limit of
// zero or less disables the excerpt.
func Excerpt(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	flat := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(flat) <= limit {
		return flat
	}

	// Reserve one rune for the ellipsis.
	cut := 0
	for i := range flat {
		if cut == limit-1 {
			return strings.TrimRight(flat[:i], " ") + "…"
		}
		cut++
	}
	return flat
}
