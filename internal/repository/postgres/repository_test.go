package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"fieldops-security/internal/db/migrate"
	"fieldops-security/internal/domain/security"
	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run the statements against a migrated database. Point
// FIELDOPS_TEST_DATABASE_URL at a scratch Postgres to enable them.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("FIELDOPS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FIELDOPS_TEST_DATABASE_URL not set")
	}
	require.NoError(t, migrate.Run(dsn, "up"))

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func seedAccount(t *testing.T, pool *pgxpool.Pool) (orgID, accountID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO organizations (name) VALUES ($1) RETURNING id`, "Test Org "+uuid.NewString(),
	).Scan(&orgID))
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO accounts (org_id, email, password_hash) VALUES ($1, $2, 'x') RETURNING id`,
		orgID, fmt.Sprintf("%s@example.com", uuid.NewString()),
	).Scan(&accountID))
	return orgID, accountID
}

func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func TestRegisterFailureLocksOnceUnderContention(t *testing.T) {
	pool := testPool(t)
	repo := NewAccountRepository(pool)
	_, id := seedAccount(t, pool)
	at := dbNow()

	type result struct {
		count int
		until *time.Time
	}
	results := make(chan result, 10)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, until, err := repo.RegisterFailure(context.Background(), id, 3, 15*time.Minute, at)
			assert.NoError(t, err)
			results <- result{count, until}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for r := range results {
		seen[r.count] = true
		if r.count < 3 {
			assert.Nil(t, r.until, r.count)
			continue
		}
		require.NotNil(t, r.until, r.count)
		assert.True(t, at.Add(15*time.Minute).Equal(*r.until), r.count)
	}
	assert.Len(t, seen, 10)
}

func TestRegisterSuccessKeepsActiveLock(t *testing.T) {
	pool := testPool(t)
	repo := NewAccountRepository(pool)
	ctx := context.Background()
	_, id := seedAccount(t, pool)
	at := dbNow()

	for i := 0; i < 3; i++ {
		_, _, err := repo.RegisterFailure(ctx, id, 3, 15*time.Minute, at)
		require.NoError(t, err)
	}

	applied, err := repo.RegisterSuccess(ctx, id, at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	a, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, a.FailedLoginAttempts)
	require.NotNil(t, a.LockedUntil)

	applied, err = repo.RegisterSuccess(ctx, id, at.Add(16*time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)

	a, err = repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, a.FailedLoginAttempts)
	assert.Nil(t, a.LockedUntil)
}

func TestUnlockIsScopedToOrganisation(t *testing.T) {
	pool := testPool(t)
	repo := NewAccountRepository(pool)
	ctx := context.Background()
	org, id := seedAccount(t, pool)
	otherOrg, _ := seedAccount(t, pool)

	for i := 0; i < 3; i++ {
		_, _, err := repo.RegisterFailure(ctx, id, 3, 15*time.Minute, dbNow())
		require.NoError(t, err)
	}

	require.ErrorIs(t, repo.Unlock(ctx, otherOrg, id), xerrors.ErrNotFound)
	a, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, a.LockedUntil)

	require.NoError(t, repo.Unlock(ctx, org, id))
	a, err = repo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, a.LockedUntil)
}

func TestEnforceLimitConvergesUnderConcurrentSignIns(t *testing.T) {
	pool := testPool(t)
	repo := NewSessionRepository(pool)
	ctx := context.Background()
	org, user := seedAccount(t, pool)
	base := dbNow()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &security.Session{
				UserID:       user,
				OrgID:        org,
				SessionToken: uuid.NewString(),
				DeviceName:   "Chrome on Windows",
				IPAddress:    "41.90.64.1",
				Geolocation:  "Nairobi, Kenya",
				LoginAt:      base.Add(time.Duration(i) * time.Millisecond),
			}
			if !assert.NoError(t, repo.Create(ctx, s)) {
				return
			}
			_, err := repo.EnforceLimit(ctx, user, 2, security.ReasonSessionLimitExceeded, base.Add(time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active, err := repo.ListActive(ctx, user)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, s := range active {
		assert.False(t, s.LoginAt.Before(base.Add(4*time.Millisecond)), s.LoginAt)
	}

	history, err := repo.ListHistory(ctx, user, 10, 0)
	require.NoError(t, err)
	ended := 0
	for _, s := range history {
		if !s.IsActive {
			ended++
			require.NotNil(t, s.TerminationReason)
			assert.Equal(t, security.ReasonSessionLimitExceeded, *s.TerminationReason)
		}
	}
	assert.Equal(t, 4, ended)
}

func TestTouchInsertsEachDeviceOnce(t *testing.T) {
	pool := testPool(t)
	repo := NewTrustedDeviceRepository(pool)
	ctx := context.Background()
	_, user := seedAccount(t, pool)

	var (
		mu       sync.Mutex
		inserted int
		wg       sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ins, others, err := repo.Touch(ctx, user, "hash-a", "Chrome on Windows", dbNow())
			assert.NoError(t, err)
			assert.False(t, others)
			if ins {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)

	ins, others, err := repo.Touch(ctx, user, "hash-b", "Safari on iOS", dbNow())
	require.NoError(t, err)
	assert.True(t, ins)
	assert.True(t, others)
}
