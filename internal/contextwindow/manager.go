// Package contextwindow keeps the per-user rolling history used as
// processing context. Retention: an exchange is kept while it is
// younger than the configured span, or while it is among the floor
// newest entries. The floor only ever relaxes the age cutoff.
package contextwindow

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatflow/internal/metrics"
	"chatflow/internal/session"
)

type Manager struct {
	span  time.Duration
	floor int
	store session.Store
	log   zerolog.Logger

	mu    sync.Mutex
	users map[int64]*window
}

type window struct {
	mu        sync.Mutex
	exchanges []session.Exchange
	hydrated  bool
}

func NewManager(store session.Store, span time.Duration, floor int, log zerolog.Logger) *Manager {
	return &Manager{
		span:  span,
		floor: floor,
		store: store,
		log:   log.With().Str("component", "contextwindow").Logger(),
		users: make(map[int64]*window),
	}
}

// Append records one exchange in arrival order. The write goes through
// to the session store as well, fail-open: losing a durable history
// entry is preferable to blocking the user's flow.
func (m *Manager) Append(ctx context.Context, ex session.Exchange) {
	w := m.window(ex.UserID)

	w.mu.Lock()
	defer w.mu.Unlock()

	m.hydrateLocked(ctx, ex.UserID, w)
	w.exchanges = append(w.exchanges, ex)
	m.trimLocked(w, time.Now())

	if err := m.store.AppendExchange(ctx, ex); err != nil {
		metrics.StoreErrors.WithLabelValues("append").Inc()
		m.log.Warn().Err(err).Int64("user_id", ex.UserID).Msg("history append not persisted")
	}
}

// Window returns a snapshot copy of the user's current window. The
// retention predicate is applied on read so the snapshot is truthful
// even between trim runs.
func (m *Manager) Window(ctx context.Context, userID int64) []session.Exchange {
	w := m.window(userID)

	w.mu.Lock()
	defer w.mu.Unlock()

	m.hydrateLocked(ctx, userID, w)
	m.trimLocked(w, time.Now())

	out := make([]session.Exchange, len(w.exchanges))
	copy(out, w.exchanges)
	return out
}

// Trim enforces the retention predicate on every user. Safe to run
// concurrently with appends and reads.
func (m *Manager) Trim() {
	now := time.Now()
	m.mu.Lock()
	windows := make([]*window, 0, len(m.users))
	for _, w := range m.users {
		windows = append(windows, w)
	}
	m.mu.Unlock()

	for _, w := range windows {
		w.mu.Lock()
		m.trimLocked(w, now)
		w.mu.Unlock()
	}
}

// trimLocked drops entries from the front while they are both older
// than the span and beyond the floor counted from the newest. A user
// with fewer than floor exchanges keeps everything regardless of age.
func (m *Manager) trimLocked(w *window, now time.Time) {
	drop := 0
	n := len(w.exchanges)
	for drop < n {
		if n-drop <= m.floor {
			break
		}
		if now.Sub(w.exchanges[drop].Timestamp) <= m.span {
			break
		}
		drop++
	}
	if drop > 0 {
		w.exchanges = append(w.exchanges[:0], w.exchanges[drop:]...)
	}
}

// hydrateLocked loads the user's backlog from the session store on
// first touch, so a restarted process resumes with history intact.
func (m *Manager) hydrateLocked(ctx context.Context, userID int64, w *window) {
	if w.hydrated {
		return
	}
	w.hydrated = true

	// Read past the span cutoff: the floor may retain older entries.
	stored, err := m.store.ReadWindow(ctx, userID, time.Time{})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("read").Inc()
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("window hydration failed, starting empty")
		return
	}
	if len(stored) > 0 {
		w.exchanges = append(stored, w.exchanges...)
		m.trimLocked(w, time.Now())
	}
}

func (m *Manager) window(userID int64) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.users[userID]
	if !ok {
		w = &window{}
		m.users[userID] = w
	}
	return w
}
