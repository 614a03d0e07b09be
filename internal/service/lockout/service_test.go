package lockout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldops-security/internal/domain/security"
	"fieldops-security/internal/pkg/clock"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memAccounts mirrors the row-locked UPDATE of the Postgres store.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*security.Account
	findErr  error
}

func (m *memAccounts) FindByEmail(_ context.Context, email string) (*security.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, a := range m.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *memAccounts) RegisterFailure(_ context.Context, id uuid.UUID, threshold int, lockFor time.Duration, now time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a.LockedUntil != nil && !a.LockedUntil.After(now) {
		a.FailedLoginAttempts = 1
		a.LockedUntil = nil
	} else {
		a.FailedLoginAttempts++
	}
	if a.LockedUntil == nil && a.FailedLoginAttempts >= threshold {
		until := now.Add(lockFor)
		a.LockedUntil = &until
	}
	return a.FailedLoginAttempts, a.LockedUntil, nil
}

func (m *memAccounts) RegisterSuccess(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a.LockedUntil != nil && a.LockedUntil.After(now) {
		return false, nil
	}
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	a.LastLoginAt = &now
	return true, nil
}

func (m *memAccounts) Unlock(_ context.Context, orgID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok || a.OrgID != orgID {
		return xerrors.ErrNotFound
	}
	a.FailedLoginAttempts = 0
	a.LockedUntil = nil
	return nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []security.LoginAttempt
	err  error
}

func (m *memAttempts) Create(_ context.Context, a *security.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, *a)
	return nil
}

func (m *memAttempts) RecentFailures(_ context.Context, email string, since time.Time) (int, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		count int
		last  *time.Time
	)
	for _, r := range m.rows {
		if !strings.EqualFold(r.EmailAttempted, email) {
			continue
		}
		if r.Succeeded {
			count, last = 0, nil
			continue
		}
		if r.AttemptType == security.AttemptFailure && r.AttemptedAt.After(since) {
			count++
			at := r.AttemptedAt
			last = &at
		}
	}
	return count, last, nil
}

func (m *memAttempts) types() []security.AttemptType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]security.AttemptType, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.AttemptType)
	}
	return out
}

type memEvents struct {
	mu     sync.Mutex
	events []security.SecurityEvent
}

func (m *memEvents) Create(_ context.Context, e *security.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memEvents) ofType(t string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type staticPolicy struct{ p security.SessionPolicy }

func (s staticPolicy) Effective(context.Context, uuid.UUID) security.SessionPolicy { return s.p }
func (s staticPolicy) Defaults(uuid.UUID) security.SessionPolicy                { return s.p }

type fixture struct {
	svc      *Service
	accounts *memAccounts
	attempts *memAttempts
	events   *memEvents
	clock    *clock.Fake
	account  *security.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	org := uuid.New()
	account := &security.Account{ID: uuid.New(), OrgID: org, Email: "agent@example.com"}
	f := &fixture{
		accounts: &memAccounts{accounts: map[uuid.UUID]*security.Account{account.ID: account}},
		attempts: &memAttempts{},
		events:   &memEvents{},
		clock:    clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
		account:  account,
	}
	p := security.DefaultSessionPolicy(org)
	p.AutoLockAfterFailedAttempts = 3
	p.LockoutDurationMinutes = 15
	f.svc = NewService(f.accounts, f.attempts, f.events, staticPolicy{p}, zap.NewNop(), WithClock(f.clock))
	return f
}

func (f *fixture) fail(t *testing.T) Result {
	t.Helper()
	a, err := f.accounts.FindByEmail(context.Background(), f.account.Email)
	require.NoError(t, err)
	return f.svc.HandleLoginAttempt(context.Background(), Attempt{
		Email: a.Email, Account: a, FailureReason: "invalid_password", IPAddress: "41.90.64.1",
	})
}

func TestFailuresCountDownThenLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.svc.CheckLockoutStatus(ctx, f.account.Email)
	require.NoError(t, err)
	assert.False(t, st.IsLocked)
	assert.Equal(t, 3, st.RemainingAttempts)

	r := f.fail(t)
	assert.Equal(t, 2, r.Status.RemainingAttempts)
	assert.False(t, r.Status.IsLocked)

	r = f.fail(t)
	assert.Equal(t, 1, r.Status.RemainingAttempts)
	assert.Contains(t, r.Message, "1 attempt remaining")

	r = f.fail(t)
	assert.True(t, r.Status.IsLocked)
	assert.Equal(t, 0, r.Status.RemainingAttempts)
	require.NotNil(t, r.Status.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *r.Status.LockedUntil)

	st, err = f.svc.CheckLockoutStatus(ctx, f.account.Email)
	require.NoError(t, err)
	assert.True(t, st.IsLocked)
	assert.Equal(t, 15, st.LockoutDurationMinutes)

	f.svc.Wait()
	assert.Equal(t, 1, f.events.ofType(security.EventAccountLocked))
	assert.Equal(t, 1, f.events.ofType(security.EventSuspiciousLogin))
}

func TestLockElapsesAndResetsCount(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.fail(t)
	}

	f.clock.Advance(15*time.Minute + time.Second)

	st, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.NoError(t, err)
	assert.False(t, st.IsLocked)
	assert.Equal(t, 3, st.RemainingAttempts)

	r := f.fail(t)
	assert.Equal(t, 2, r.Status.RemainingAttempts)
}

func TestSuccessClearsCounter(t *testing.T) {
	f := newFixture(t)
	f.fail(t)
	f.fail(t)

	a, _ := f.accounts.FindByEmail(context.Background(), f.account.Email)
	r := f.svc.HandleLoginAttempt(context.Background(), Attempt{Email: a.Email, Account: a, Succeeded: true})
	assert.Equal(t, 3, r.Status.RemainingAttempts)

	st, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.NoError(t, err)
	assert.Equal(t, 3, st.RemainingAttempts)
	assert.False(t, st.IsLocked)
}

func TestSuccessDoesNotClearLockSetAfterRead(t *testing.T) {
	f := newFixture(t)
	stale, err := f.accounts.FindByEmail(context.Background(), f.account.Email)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.fail(t)
	}

	st, err := f.svc.ConfirmSuccess(context.Background(), Attempt{Email: stale.Email, Account: stale, Succeeded: true})
	require.NoError(t, err)
	assert.True(t, st.IsLocked)
	require.NotNil(t, st.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *st.LockedUntil)

	stored := f.accounts.accounts[f.account.ID]
	assert.Equal(t, 3, stored.FailedLoginAttempts)
	assert.NotNil(t, stored.LockedUntil)

	f.svc.Wait()
	assert.Contains(t, f.attempts.types(), security.AttemptLockout)
	assert.NotContains(t, f.attempts.types(), security.AttemptSuccess)
}

func TestSuccessAfterLockElapsedClearsCounter(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.fail(t)
	}
	f.clock.Advance(16 * time.Minute)

	a, _ := f.accounts.FindByEmail(context.Background(), f.account.Email)
	st, err := f.svc.ConfirmSuccess(context.Background(), Attempt{Email: a.Email, Account: a, Succeeded: true})
	require.NoError(t, err)
	assert.False(t, st.IsLocked)
	assert.Nil(t, f.accounts.accounts[f.account.ID].LockedUntil)
}

func TestZeroRemainingIsLockedWithoutDeadline(t *testing.T) {
	f := newFixture(t)
	f.accounts.accounts[f.account.ID].FailedLoginAttempts = 3

	st, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.NoError(t, err)
	assert.True(t, st.IsLocked)
	assert.Nil(t, st.LockedUntil)

	a, _ := f.accounts.FindByEmail(context.Background(), f.account.Email)
	r := f.svc.DenyLocked(context.Background(), Attempt{Email: a.Email, Account: a}, st)
	require.NotNil(t, r.Status.LockedUntil)

	f.svc.Wait()
	assert.Equal(t, []security.AttemptType{security.AttemptLockout}, f.attempts.types())
}

func TestConcurrentFailuresLockExactlyOnce(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.fail(t)
		}()
	}
	wg.Wait()
	f.svc.Wait()

	assert.Equal(t, 1, f.events.ofType(security.EventAccountLocked))
	st, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.NoError(t, err)
	assert.True(t, st.IsLocked)
}

func TestUnknownEmailDerivesStatusFromLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var r Result
	for i := 0; i < 3; i++ {
		r = f.svc.HandleLoginAttempt(ctx, Attempt{Email: "ghost@example.com", FailureReason: "unknown_email"})
		f.svc.Wait()
	}
	assert.True(t, r.Status.IsLocked)

	st, err := f.svc.CheckLockoutStatus(ctx, "ghost@example.com")
	require.NoError(t, err)
	assert.True(t, st.IsLocked)
	require.NotNil(t, st.LockedUntil)
}

func TestCheckFailsClosedOnStorageError(t *testing.T) {
	f := newFixture(t)
	f.accounts.findErr = errors.New("connection reset")

	_, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.ErrorIs(t, err, xerrors.ErrLockoutUnavailable)
}

func TestRecordLoginAttemptSwallowsErrors(t *testing.T) {
	f := newFixture(t)
	f.attempts.err = errors.New("disk full")

	assert.NotPanics(t, func() {
		f.svc.RecordLoginAttempt(context.Background(), security.LoginAttempt{EmailAttempted: "a@b.c"})
		f.svc.Wait()
	})
}

func TestUnlock(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.fail(t)
	}

	require.NoError(t, f.svc.Unlock(context.Background(), f.account.OrgID, f.account.ID, "10.0.0.1"))
	st, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.NoError(t, err)
	assert.False(t, st.IsLocked)

	require.ErrorIs(t, f.svc.Unlock(context.Background(), f.account.OrgID, uuid.New(), ""), xerrors.ErrNotFound)
}

func TestUnlockIgnoresOtherOrganisations(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.fail(t)
	}
	f.svc.Wait()

	err := f.svc.Unlock(context.Background(), uuid.New(), f.account.ID, "10.0.0.1")
	require.ErrorIs(t, err, xerrors.ErrNotFound)

	st, err := f.svc.CheckLockoutStatus(context.Background(), f.account.Email)
	require.NoError(t, err)
	assert.True(t, st.IsLocked)
	f.svc.Wait()
	assert.Zero(t, f.events.ofType(security.EventAccountUnlocked))
}
