package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/pkg/device"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
)

// memSessions mirrors the Postgres repository, including the partial unique
// index on active (user, token) and the advisory-locked eviction.
type memSessions struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*security.Session
	createErr error
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[uuid.UUID]*security.Session{}}
}

func (m *memSessions) FindActiveByToken(_ context.Context, userID uuid.UUID, token string) (*security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.UserID == userID && s.SessionToken == token && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *memSessions) FindLatestByToken(_ context.Context, userID uuid.UUID, token string) (*security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *security.Session
	for _, s := range m.rows {
		if s.UserID == userID && s.SessionToken == token && (latest == nil || s.LoginAt.After(latest.LoginAt)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, xerrors.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memSessions) FindByID(_ context.Context, id uuid.UUID) (*security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Create(_ context.Context, s *security.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, r := range m.rows {
		if r.UserID == s.UserID && r.SessionToken == s.SessionToken && r.IsActive {
			return xerrors.ErrConflict
		}
	}
	s.ID = uuid.New()
	s.IsActive = true
	s.LastActivityAt = s.LoginAt
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *memSessions) terminate(s *security.Session, reason security.TerminationReason, now time.Time) {
	s.IsActive = false
	s.LogoutAt = &now
	r := reason
	s.TerminationReason = &r
	d := int64(now.Sub(s.LoginAt).Seconds())
	s.SessionDurationSeconds = &d
}

func (m *memSessions) EnforceLimit(_ context.Context, userID uuid.UUID, limit int, reason security.TerminationReason, now time.Time) ([]security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*security.Session
	for _, s := range m.rows {
		if s.UserID == userID && s.IsActive {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].LoginAt.After(active[j].LoginAt) })

	var evicted []security.Session
	for i := limit; i < len(active); i++ {
		m.terminate(active[i], reason, now)
		evicted = append(evicted, *active[i])
	}
	return evicted, nil
}

func (m *memSessions) Terminate(_ context.Context, id uuid.UUID, reason security.TerminationReason, now time.Time) (*security.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, false, xerrors.ErrNotFound
	}
	if !s.IsActive {
		cp := *s
		return &cp, false, nil
	}
	m.terminate(s, reason, now)
	cp := *s
	return &cp, true, nil
}

func (m *memSessions) TerminateAllForUser(_ context.Context, userID, except uuid.UUID, reason security.TerminationReason, now time.Time) ([]security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ended []security.Session
	for _, s := range m.rows {
		if s.UserID == userID && s.IsActive && s.ID != except {
			m.terminate(s, reason, now)
			ended = append(ended, *s)
		}
	}
	return ended, nil
}

func (m *memSessions) TouchActivity(_ context.Context, token string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.SessionToken == token && s.IsActive {
			if now.After(s.LastActivityAt) {
				s.LastActivityAt = now
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessions) IsActive(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return false, xerrors.ErrNotFound
	}
	return s.IsActive, nil
}

func (m *memSessions) MarkTrusted(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.IsTrustedDevice = true
	}
	return nil
}

func (m *memSessions) ListActive(_ context.Context, userID uuid.UUID) ([]security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]security.Session, 0)
	for _, s := range m.rows {
		if s.UserID == userID && s.IsActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoginAt.After(out[j].LoginAt) })
	return out, nil
}

func (m *memSessions) ListHistory(_ context.Context, userID uuid.UUID, limit, offset int) ([]security.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]security.Session, 0)
	for _, s := range m.rows {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoginAt.After(out[j].LoginAt) })
	if offset >= len(out) {
		return []security.Session{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memDevices struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (m *memDevices) Touch(_ context.Context, userID uuid.UUID, hash, _ string, now time.Time) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]time.Time{}
	}
	prefix := userID.String() + ":"
	hasOthers := false
	for k := range m.seen {
		if strings.HasPrefix(k, prefix) && k != prefix+hash {
			hasOthers = true
			break
		}
	}
	key := prefix + hash
	_, known := m.seen[key]
	m.seen[key] = now
	return !known, hasOthers, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []security.SecurityEvent
}

func (m *memEvents) Create(_ context.Context, e *security.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	m.events = append(m.events, *e)
	return nil
}

func (m *memEvents) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]security.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]security.SecurityEvent, 0)
	for _, e := range m.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type staticIP string

func (s staticIP) Resolve(context.Context, string) string { return string(s) }

type slowGeo struct{ delay time.Duration }

func (g slowGeo) Locate(ctx context.Context, _ string) string {
	select {
	case <-time.After(g.delay):
		return "Nairobi, Kenya"
	case <-ctx.Done():
		return "Unknown"
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (r *recordingNotifier) NewDeviceSignIn(userID uuid.UUID, _, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

var _ Fingerprinter = (*device.Collector)(nil)
