// Package poller runs one check cycle: list the watched folder, diff it
// against the persisted set of seen UIDs, forward a notification for
// each new message, and persist the result.
//
// Delivery is at-least-once. A UID is recorded as seen only after the
// gateway acknowledged it, and the seen set is saved once per cycle, so
// a crash between forward and save re-sends that cycle's notifications
// on the next run. Notification IDs are deterministic so the gateway
// can drop such replays.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mailgate/internal/gateway"
	"github.com/nugget/mailgate/internal/mailbox"
	"github.com/nugget/mailgate/internal/state"
)

// saveTimeout bounds the end-of-cycle save when the cycle context has
// already been cancelled.
const saveTimeout = 10 * time.Second

// Session is the part of an IMAP session the poller needs.
type Session interface {
	List(ctx context.Context, folder string) (mailbox.Listing, error)
	Fetch(ctx context.Context, folder string, uid uint32) (*mailbox.Message, error)
	Close() error
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n gateway.Notification) error
}

// Config wires a Poller to its collaborators.
type Config struct {
	// Account names the mailbox owner. It only feeds notification IDs.
	Account string

	// Folder is the IMAP folder to watch.
	Folder string

	// ExcerptChars caps the body excerpt, in runes.
	ExcerptChars int

	// Connect opens a fresh session for one cycle.
	Connect func(ctx context.Context) (Session, error)

	Sender Sender
	Store  state.Store
	Logger *slog.Logger
}

// Result summarizes one cycle.
type Result struct {
	// Listed is the number of messages in the folder.
	Listed int

	// New is the number of listed UIDs not yet seen.
	New int

	// Forwarded counts notifications the gateway acknowledged.
	Forwarded int

	// Failed counts new messages whose fetch or delivery failed. They
	// stay unseen and are retried next cycle.
	Failed int

	// Gone counts new messages that vanished before they could be
	// fetched.
	Gone int

	// Pruned counts seen UIDs dropped because they left the folder.
	Pruned int

	// Baseline is set when the cycle recorded the folder as seen
	// without forwarding anything (first run, or a UIDVALIDITY or
	// folder change).
	Baseline bool

	Duration time.Duration
}

// Poller runs check cycles. Cycles must not overlap; the scheduler
// guarantees that.
type Poller struct {
	account      string
	folder       string
	excerptChars int
	connect      func(ctx context.Context) (Session, error)
	sender       Sender
	store        state.Store
	logger       *slog.Logger
}

// New creates a Poller from cfg.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	return &Poller{
		account:      cfg.Account,
		folder:       folder,
		excerptChars: cfg.ExcerptChars,
		connect:      cfg.Connect,
		sender:       cfg.Sender,
		store:        cfg.Store,
		logger:       logger.With("folder", folder),
	}
}

// IsFatal reports whether err means further cycles cannot succeed
// without operator action: rejected credentials or unreadable state.
func IsFatal(err error) bool {
	return errors.Is(err, mailbox.ErrAuth) || errors.Is(err, state.ErrCorrupt)
}

// Check runs one cycle.
//
// Errors before any notification was attempted (loading state,
// connecting, listing) leave the stored state untouched. Per-message
// failures are logged and counted in the Result; they do not fail the
// cycle. If ctx is cancelled mid-cycle, forwarding stops, whatever was
// already delivered is saved, and the context error is returned.
func (p *Poller) Check(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
	}()

	known, err := p.store.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("load state: %w", err)
	}

	sess, err := p.connect(ctx)
	if err != nil {
		return res, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			p.logger.Debug("closing IMAP session", "error", cerr)
		}
	}()

	listing, err := sess.List(ctx, p.folder)
	if err != nil {
		return res, fmt.Errorf("list: %w", err)
	}
	res.Listed = len(listing.UIDs)

	if reason := baselineReason(known, p.folder, listing.UIDValidity); reason != "" {
		return p.baseline(ctx, res, known, listing, reason)
	}

	var fresh []uint32
	for _, uid := range listing.UIDs {
		if !known.Has(uid) {
			fresh = append(fresh, uid)
		}
	}
	res.New = len(fresh)

	confirmed := make([]uint32, 0, len(fresh))
	for _, uid := range fresh {
		if ctx.Err() != nil {
			break
		}
		if p.forward(ctx, &res, sess, listing.UIDValidity, uid) {
			confirmed = append(confirmed, uid)
		}
	}

	next := known.Clone()
	next.Add(confirmed...)
	res.Pruned = next.Retain(listing.UIDs)

	if len(confirmed) > 0 || res.Pruned > 0 {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		defer cancel()
		if err := p.store.Save(saveCtx, next); err != nil {
			return res, fmt.Errorf("save state: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		p.logger.Info("check interrupted",
			"forwarded", res.Forwarded,
			"remaining", res.New-res.Forwarded-res.Failed-res.Gone,
		)
		return res, fmt.Errorf("check interrupted: %w", err)
	}
	return res, nil
}

// forward fetches and delivers one message and reports whether the
// gateway acknowledged it. Outcomes are tallied into res.
func (p *Poller) forward(ctx context.Context, res *Result, sess Session, uidValidity, uid uint32) bool {
	msg, err := sess.Fetch(ctx, p.folder, uid)
	if err != nil {
		if errors.Is(err, mailbox.ErrMessageGone) {
			res.Gone++
			p.logger.Info("message vanished before fetch, skipping", "uid", uid)
			return false
		}
		res.Failed++
		if ctx.Err() == nil {
			p.logger.Warn("fetch failed, will retry next check", "uid", uid, "error", err)
		}
		return false
	}

	n := gateway.Notification{
		ID:         gateway.NotificationID(p.account, p.folder, uidValidity, uid),
		UID:        uid,
		Folder:     p.folder,
		Sender:     msg.From,
		Subject:    msg.Subject,
		ReceivedAt: msg.ReceivedAt,
		Excerpt:    mailbox.Excerpt(msg.Text, p.excerptChars),
	}
	if err := p.sender.Send(ctx, n); err != nil {
		res.Failed++
		if ctx.Err() == nil {
			p.logger.Warn("notification not delivered, will retry next check",
				"uid", uid,
				"subject", msg.Subject,
				"error", err,
			)
		}
		return false
	}

	res.Forwarded++
	p.logger.Info("forwarded new message",
		"uid", uid,
		"from", msg.From,
		"subject", msg.Subject,
	)
	return true
}

// baselineReason says why the stored seen set cannot be diffed against
// the folder, or returns "" when it can.
func baselineReason(known *state.KnownState, folder string, uidValidity uint32) string {
	switch {
	case !known.Initialized:
		return "first run"
	case known.Folder != folder:
		return "folder changed"
	case known.UIDValidity != uidValidity:
		return "uidvalidity changed"
	}
	return ""
}

// baseline records every listed UID as seen without forwarding any.
func (p *Poller) baseline(ctx context.Context, res Result, known *state.KnownState, listing mailbox.Listing, reason string) (Result, error) {
	next := state.New()
	next.Initialized = true
	next.Folder = p.folder
	next.UIDValidity = listing.UIDValidity
	next.Add(listing.UIDs...)

	if known.Initialized {
		p.logger.Warn("stored UIDs no longer valid, re-baselining without forwarding",
			"reason", reason,
			"stored_folder", known.Folder,
			"stored_uid_validity", known.UIDValidity,
			"uid_validity", listing.UIDValidity,
			"messages", len(listing.UIDs),
		)
	} else {
		p.logger.Info("first run, recording existing messages as seen",
			"uid_validity", listing.UIDValidity,
			"messages", len(listing.UIDs),
		)
	}

	if err := p.store.Save(ctx, next); err != nil {
		return res, fmt.Errorf("save baseline: %w", err)
	}
	res.Baseline = true
	return res, nil
}
