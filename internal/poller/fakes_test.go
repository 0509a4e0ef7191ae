package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/mailgate/internal/gateway"
	"github.com/nugget/mailgate/internal/mailbox"
	"github.com/nugget/mailgate/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMailbox is an in-memory folder. Each connect returns a session
// over its current contents.
type fakeMailbox struct {
	mu          sync.Mutex
	uidValidity uint32
	messages    map[uint32]*mailbox.Message
	gone        map[uint32]bool
	connectErr  error
	listErr     error
	connects    int
	closes      int
}

func newFakeMailbox(uidValidity uint32, uids ...uint32) *fakeMailbox {
	m := &fakeMailbox{
		uidValidity: uidValidity,
		messages:    make(map[uint32]*mailbox.Message),
		gone:        make(map[uint32]bool),
	}
	m.deliver(uids...)
	return m
}

func (m *fakeMailbox) deliver(uids ...uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		m.messages[uid] = &mailbox.Message{
			UID:        uid,
			From:       fmt.Sprintf("Sender %d <s%d@example.com>", uid, uid),
			Subject:    fmt.Sprintf("Message %d", uid),
			ReceivedAt: time.Date(2026, 2, 1, 0, 0, int(uid), 0, time.UTC),
			Text:       fmt.Sprintf("Body of message %d.", uid),
		}
	}
}

func (m *fakeMailbox) expunge(uids ...uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uid := range uids {
		delete(m.messages, uid)
	}
}

func (m *fakeMailbox) connect(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return &fakeSession{m: m}, nil
}

type fakeSession struct {
	m *fakeMailbox
}

func (s *fakeSession) List(ctx context.Context, folder string) (mailbox.Listing, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.listErr != nil {
		return mailbox.Listing{}, s.m.listErr
	}
	listing := mailbox.Listing{UIDValidity: s.m.uidValidity}
	for uid := range s.m.messages {
		listing.UIDs = append(listing.UIDs, uid)
	}
	slices.Sort(listing.UIDs)
	return listing, nil
}

func (s *fakeSession) Fetch(ctx context.Context, folder string, uid uint32) (*mailbox.Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	msg, ok := s.m.messages[uid]
	if !ok || s.m.gone[uid] {
		return nil, fmt.Errorf("UID %d: %w", uid, mailbox.ErrMessageGone)
	}
	cp := *msg
	return &cp, nil
}

func (s *fakeSession) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.closes++
	return nil
}

// fakeSender records deliveries. UIDs in fail are rejected.
type fakeSender struct {
	mu     sync.Mutex
	sent   []gateway.Notification
	fail   map[uint32]bool
	onSend func(n gateway.Notification)
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[uint32]bool)}
}

func (s *fakeSender) Send(ctx context.Context, n gateway.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[n.UID] {
		return fmt.Errorf("%w: UID %d", gateway.ErrDeliveryFailed, n.UID)
	}
	s.sent = append(s.sent, n)
	if s.onSend != nil {
		s.onSend(n)
	}
	return nil
}

func (s *fakeSender) uids() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.sent))
	for _, n := range s.sent {
		out = append(out, n.UID)
	}
	return out
}

// memStore is an in-memory state.Store.
type memStore struct {
	mu      sync.Mutex
	saved   *state.KnownState
	saves   int
	loadErr error
	saveErr error
}

func (s *memStore) Load(ctx context.Context) (*state.KnownState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.saved == nil {
		return state.New(), nil
	}
	return s.saved.Clone(), nil
}

func (s *memStore) Save(ctx context.Context, st *state.KnownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.saved = st.Clone()
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) seen() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return nil
	}
	return s.saved.UIDs()
}

// seeded returns a store already baselined with uids.
func seeded(folder string, uidValidity uint32, uids ...uint32) *memStore {
	st := state.New()
	st.Initialized = true
	st.Folder = folder
	st.UIDValidity = uidValidity
	st.Add(uids...)
	return &memStore{saved: st}
}

func uidRange(from, to uint32) []uint32 {
	var out []uint32
	for uid := from; uid <= to; uid++ {
		out = append(out, uid)
	}
	return out
}
