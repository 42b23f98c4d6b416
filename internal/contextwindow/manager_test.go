package contextwindow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatflow/internal/session"
)

func newTestManager(store session.Store, span time.Duration, floor int) *Manager {
	return NewManager(store, span, floor, zerolog.Nop())
}

func appendN(m *Manager, userID int64, n int, oldest, newest time.Time) {
	step := newest.Sub(oldest) / time.Duration(n)
	for i := 0; i < n; i++ {
		m.Append(context.Background(), session.Exchange{
			UserID:    userID,
			Role:      session.RoleUser,
			Text:      fmt.Sprintf("msg-%d", i),
			Timestamp: oldest.Add(time.Duration(i) * step),
		})
	}
}

func TestFloorRelaxesAgeCutoff(t *testing.T) {
	m := newTestManager(session.NewMemoryStore(), 6*time.Hour, 100)
	now := time.Now()

	// 200 exchanges, all older than the 6h span.
	appendN(m, 1, 200, now.Add(-9*time.Hour), now.Add(-7*time.Hour))

	got := m.Window(context.Background(), 1)
	if len(got) != 100 {
		t.Fatalf("expected the 100-entry floor to hold, got %d", len(got))
	}
	// The survivors must be the newest 100.
	if got[0].Text != "msg-100" || got[99].Text != "msg-199" {
		t.Fatalf("floor kept wrong entries: first=%q last=%q", got[0].Text, got[99].Text)
	}
}

func TestYoungEntriesSurviveBeyondFloor(t *testing.T) {
	m := newTestManager(session.NewMemoryStore(), 6*time.Hour, 100)
	now := time.Now()

	// 200 exchanges spanning 8 hours: the newest 150 are inside the
	// span, so more than the floor survives.
	appendN(m, 1, 200, now.Add(-8*time.Hour), now)

	got := m.Window(context.Background(), 1)
	if len(got) < 100 {
		t.Fatalf("window fell below the floor: %d", len(got))
	}
	for _, ex := range got[100:] {
		if time.Since(ex.Timestamp) > 6*time.Hour {
			t.Fatalf("entry beyond the floor is older than the span: %v", ex.Timestamp)
		}
	}
}

func TestSmallHistoryKeptRegardlessOfAge(t *testing.T) {
	m := newTestManager(session.NewMemoryStore(), 6*time.Hour, 100)
	now := time.Now()

	appendN(m, 1, 50, now.Add(-11*time.Hour), now.Add(-10*time.Hour))

	if got := m.Window(context.Background(), 1); len(got) != 50 {
		t.Fatalf("floor must never shrink the window below what exists, got %d", len(got))
	}
}

func TestWindowReturnsCopy(t *testing.T) {
	m := newTestManager(session.NewMemoryStore(), 6*time.Hour, 100)
	m.Append(context.Background(), session.Exchange{UserID: 1, Role: session.RoleUser, Text: "hello", Timestamp: time.Now()})

	got := m.Window(context.Background(), 1)
	got[0].Text = "mutated"

	again := m.Window(context.Background(), 1)
	if again[0].Text != "hello" {
		t.Fatalf("internal state mutated via returned snapshot")
	}
}

func TestAppendPreservesArrivalOrder(t *testing.T) {
	m := newTestManager(session.NewMemoryStore(), 6*time.Hour, 100)
	now := time.Now()
	appendN(m, 1, 10, now.Add(-time.Hour), now)

	got := m.Window(context.Background(), 1)
	for i, ex := range got {
		if ex.Text != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("order broken at %d: %q", i, ex.Text)
		}
	}
}

func TestHydratesFromStoreOnFirstTouch(t *testing.T) {
	store := session.NewMemoryStore()
	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := store.AppendExchange(context.Background(), session.Exchange{
			UserID:    9,
			Role:      session.RoleUser,
			Text:      fmt.Sprintf("old-%d", i),
			Timestamp: now.Add(-time.Minute),
		}); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	// A fresh manager simulates a restarted process.
	m := newTestManager(store, 6*time.Hour, 100)
	m.Append(context.Background(), session.Exchange{UserID: 9, Role: session.RoleBot, Text: "new", Timestamp: now})

	got := m.Window(context.Background(), 9)
	if len(got) != 4 {
		t.Fatalf("expected 3 hydrated + 1 new, got %d", len(got))
	}
	if got[0].Text != "old-0" || got[3].Text != "new" {
		t.Fatalf("hydrated history out of order: %+v", got)
	}
}

func TestAppendSurvivesStoreOutage(t *testing.T) {
	store := session.NewMemoryStore()
	m := newTestManager(store, 6*time.Hour, 100)

	// Prime hydration first so only the append op fails.
	m.Append(context.Background(), session.Exchange{UserID: 1, Role: session.RoleUser, Text: "first", Timestamp: time.Now()})

	store.FailNextOps(1)
	m.Append(context.Background(), session.Exchange{UserID: 1, Role: session.RoleUser, Text: "second", Timestamp: time.Now()})

	// Fail-open: the in-memory window still has the entry.
	if got := m.Window(context.Background(), 1); len(got) != 2 {
		t.Fatalf("append must not block on store outage, got %d entries", len(got))
	}
}

func TestTrimEnforcesPredicate(t *testing.T) {
	m := newTestManager(session.NewMemoryStore(), time.Hour, 5)
	now := time.Now()

	appendN(m, 1, 20, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	m.Trim()

	m.mu.Lock()
	w := m.users[1]
	m.mu.Unlock()
	w.mu.Lock()
	n := len(w.exchanges)
	w.mu.Unlock()
	if n != 5 {
		t.Fatalf("trim left %d entries, want floor of 5", n)
	}
}
