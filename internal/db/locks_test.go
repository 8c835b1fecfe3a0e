package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireLock_Contention(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	if _, err := d.AcquireLock(ctx, "W1", "plan", "r1", "host-a", 30*time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err := d.AcquireLock(ctx, "W1", "plan", "r2", "host-b", 30*time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire err = %v, want ErrLockHeld", err)
	}

	// A different stage of the same item is independent.
	if _, err := d.AcquireLock(ctx, "W1", "tasks", "r3", "host-b", 30*time.Minute); err != nil {
		t.Errorf("acquire other stage: %v", err)
	}

	if err := d.ReleaseLock(ctx, "W1", "plan", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := d.AcquireLock(ctx, "W1", "plan", "r2", "host-b", 30*time.Minute); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestReleaseLock_OnlyByOwner(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)
	if _, err := d.AcquireLock(ctx, "W1", "plan", "r1", "a", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := d.ReleaseLock(ctx, "W1", "plan", "someone-else"); err != nil {
		t.Fatal(err)
	}
	locks, _ := d.ListLocks(ctx)
	if len(locks) != 1 {
		t.Errorf("locks = %d, want 1 (release by non-owner must not drop it)", len(locks))
	}
}

func TestAcquireLock_ReclaimsStale(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	past := time.Now().Add(-2 * time.Hour)
	d.now = func() time.Time { return past }
	if _, err := d.AcquireLock(ctx, "W1", "plan", "r1", "crashed", 30*time.Minute); err != nil {
		t.Fatal(err)
	}
	d.now = time.Now

	reclaimed, err := d.AcquireLock(ctx, "W1", "plan", "r2", "fresh", 30*time.Minute)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	if !reclaimed {
		t.Error("expected reclaimed = true")
	}
	locks, _ := d.ListLocks(ctx)
	if len(locks) != 1 || locks[0].Holder != "fresh" || locks[0].RunID != "r2" {
		t.Errorf("locks = %+v", locks)
	}
}

func TestStaleLocksAndReclaim(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	past := time.Now().Add(-time.Hour)
	d.now = func() time.Time { return past }
	d.AcquireLock(ctx, "W1", "plan", "r1", "old", 0)
	d.now = time.Now
	d.AcquireLock(ctx, "W2", "plan", "r2", "new", 0)

	stale, err := d.StaleLocks(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("stale locks: %v", err)
	}
	if len(stale) != 1 || stale[0].WorkItemID != "W1" {
		t.Fatalf("stale = %+v, want only W1", stale)
	}
	if locks, _ := d.ListLocks(ctx); len(locks) != 2 {
		t.Fatalf("listing stale locks must not delete them, got %+v", locks)
	}

	if err := d.ReclaimLock(ctx, stale[0]); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	locks, _ := d.ListLocks(ctx)
	if len(locks) != 1 || locks[0].WorkItemID != "W2" {
		t.Errorf("remaining locks = %+v", locks)
	}

	events, _ := d.Events(ctx, "W1")
	found := false
	for _, e := range events {
		if e.Event == "lock_reclaimed" {
			found = true
		}
	}
	if !found {
		t.Error("expected lock_reclaimed event")
	}
}

func TestReclaimLock_SkipsReplacedLock(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	past := time.Now().Add(-time.Hour)
	d.now = func() time.Time { return past }
	d.AcquireLock(ctx, "W1", "plan", "r1", "old", 0)
	d.now = time.Now

	stale, err := d.StaleLocks(ctx, 10*time.Minute)
	if err != nil || len(stale) != 1 {
		t.Fatalf("stale = %+v, %v", stale, err)
	}
	// Another run takes the lock over before the listed one is reclaimed.
	if _, err := d.AcquireLock(ctx, "W1", "plan", "r2", "fresh", 10*time.Minute); err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}

	if err := d.ReclaimLock(ctx, stale[0]); !errors.Is(err, ErrLockLost) {
		t.Fatalf("reclaim err = %v, want ErrLockLost", err)
	}
	locks, _ := d.ListLocks(ctx)
	if len(locks) != 1 || locks[0].RunID != "r2" {
		t.Errorf("locks = %+v, want r2 untouched", locks)
	}
}

func TestReleaseLockTx_ReportsLostLock(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	past := time.Now().Add(-time.Hour)
	d.now = func() time.Time { return past }
	d.AcquireLock(ctx, "W1", "plan", "r1", "slow", 0)
	d.now = time.Now
	if _, err := d.AcquireLock(ctx, "W1", "plan", "r2", "fresh", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	err := d.InTransaction(ctx, Immediate, func(tx *sql.Tx) error {
		return ReleaseLockTx(ctx, tx, "W1", "plan", "r1")
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("release by reclaimed run err = %v, want ErrLockLost", err)
	}
	// The non-transactional form tolerates it.
	if err := d.ReleaseLock(ctx, "W1", "plan", "r1"); err != nil {
		t.Errorf("ReleaseLock: %v", err)
	}
	if locks, _ := d.ListLocks(ctx); len(locks) != 1 || locks[0].RunID != "r2" {
		t.Errorf("locks = %+v, want r2", locks)
	}
}

func TestAcquireLock_ConcurrentExclusive(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.AcquireLock(ctx, "W1", "plan", "run-"+string(rune('a'+i)), "worker", time.Hour)
		}(i)
	}
	wg.Wait()

	won, held := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrLockHeld):
			held++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 || held != n-1 {
		t.Errorf("won=%d held=%d, want 1 and %d", won, held, n-1)
	}
}
