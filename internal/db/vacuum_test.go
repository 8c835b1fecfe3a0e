package db

import (
	"context"
	"strings"
	"testing"
	"time"
)

func fillAndDelete(t *testing.T, d *DB) {
	t.Helper()
	if _, err := d.writer.Exec("CREATE TABLE scratch (id INTEGER PRIMARY KEY, body TEXT)"); err != nil {
		t.Fatal(err)
	}
	body := strings.Repeat("x", 2048)
	for i := 0; i < 500; i++ {
		if _, err := d.writer.Exec("INSERT INTO scratch (body) VALUES (?)", body); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := d.writer.Exec("DELETE FROM scratch"); err != nil {
		t.Fatal(err)
	}
}

func TestVacuumer_RunCycleReclaims(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)
	fillAndDelete(t, d)

	est, err := d.EstimateReclaimable(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if est == 0 {
		t.Fatal("expected free pages after delete")
	}

	v := NewVacuumer(d, time.Hour, 20)
	stats, err := v.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if stats.Reclaimed <= 0 {
		t.Errorf("reclaimed = %d, want > 0", stats.Reclaimed)
	}
	if stats.Steps < 2 {
		t.Errorf("steps = %d, want several small increments", stats.Steps)
	}
	if stats.SizeAfter >= stats.SizeBefore {
		t.Errorf("size after %d >= before %d", stats.SizeAfter, stats.SizeBefore)
	}

	left, _ := d.EstimateReclaimable(ctx)
	if left != 0 {
		t.Errorf("freelist bytes after cycle = %d, want 0", left)
	}
}

func TestVacuumer_NothingToReclaim(t *testing.T) {
	d := testDB(t)
	stats, err := NewVacuumer(d, time.Hour, 20).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Reclaimed != 0 || stats.Steps != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestVacuumer_RunStopsOnCancel(t *testing.T) {
	d := testDB(t)
	fillAndDelete(t, d)

	v := NewVacuumer(d, 10*time.Millisecond, 20)
	cycles := make(chan VacuumStats, 4)
	v.OnCycle(func(s VacuumStats, err error) {
		if err != nil {
			t.Errorf("cycle error: %v", err)
		}
		select {
		case cycles <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()

	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("no vacuum cycle ran")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
