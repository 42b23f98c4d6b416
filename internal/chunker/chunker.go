// Package chunker turns a per-user stream of timestamped messages into
// discrete thoughts. A thought is emitted once no new text arrives for
// the debounce interval, or immediately when the latest message looks
// structurally complete. Emission is gated by a store claim so that at
// most one process in the fleet dispatches any given thought.
package chunker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatflow/internal/metrics"
	"chatflow/internal/session"
)

const (
	claimAttempts = 3
	claimBackoff  = 100 * time.Millisecond
)

// EmitFunc receives a claimed thought for dispatch.
type EmitFunc func(ctx context.Context, t Thought)

type Chunker struct {
	debounce time.Duration
	claimTTL time.Duration
	store    session.Store
	emit     EmitFunc
	log      zerolog.Logger

	mu    sync.Mutex
	users map[int64]*userState
}

// userState is the single-owner buffer for one user. All reads and
// writes go through its mutex, so ingests for the same user are
// serialized while different users proceed in parallel.
type userState struct {
	mu         sync.Mutex
	buf        []Message
	lastSeq    int64 // highest seq already consumed into an emitted thought
	timer      *time.Timer
	timerGen   uint64
	lastActive time.Time
}

func New(store session.Store, emit EmitFunc, debounce, claimTTL time.Duration, log zerolog.Logger) *Chunker {
	return &Chunker{
		debounce: debounce,
		claimTTL: claimTTL,
		store:    store,
		emit:     emit,
		log:      log.With().Str("component", "chunker").Logger(),
		users:    make(map[int64]*userState),
	}
}

// Ingest buffers one inbound message and (re)starts the user's debounce
// timer. If the message signals structural completion the buffered
// thought is emitted immediately.
func (c *Chunker) Ingest(ctx context.Context, msg Message) {
	u := c.user(msg.UserID)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastActive = time.Now()

	// At-least-once transports can redeliver messages that were already
	// consumed into a dispatched thought. Drop them here; the claim
	// protocol covers the cross-process replay of a whole run.
	if msg.Seq <= u.lastSeq {
		c.log.Debug().Int64("user_id", msg.UserID).Int64("seq", msg.Seq).Msg("dropping redelivered message")
		return
	}
	if n := len(u.buf); n > 0 && msg.Seq <= u.buf[n-1].Seq {
		c.log.Debug().Int64("user_id", msg.UserID).Int64("seq", msg.Seq).Msg("dropping duplicate buffered message")
		return
	}

	u.buf = append(u.buf, msg)

	// Every new message supersedes the pending timer, so the quiet gap
	// is measured from the most recent message.
	u.timerGen++
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}

	if completesThought(msg.Text) {
		c.emitLocked(ctx, msg.UserID, u)
		return
	}

	gen := u.timerGen
	u.timer = time.AfterFunc(c.debounce, func() {
		c.onDebounce(msg.UserID, gen)
	})
}

func (c *Chunker) onDebounce(userID int64, gen uint64) {
	c.mu.Lock()
	u, ok := c.users[userID]
	c.mu.Unlock()
	if !ok {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.timerGen != gen {
		// A newer message arrived while this timer was firing.
		return
	}
	u.timer = nil
	c.emitLocked(context.Background(), userID, u)
}

// emitLocked forms the buffered thought, attempts the dedup claim and,
// on success, hands the thought to the emit callback. Caller holds u.mu.
func (c *Chunker) emitLocked(ctx context.Context, userID int64, u *userState) {
	if len(u.buf) == 0 {
		return
	}

	msgs := make([]Message, len(u.buf))
	copy(msgs, u.buf)
	t := Thought{
		ID:       thoughtID(userID, msgs),
		UserID:   userID,
		Messages: msgs,
		FormedAt: time.Now(),
	}

	claimed, err := c.claimWithRetry(ctx, t.ID)
	if err != nil {
		// Fail closed: without a confirmed claim we must not dispatch,
		// or two processes could answer the same thought. The buffer is
		// kept; the next ingest retries with a fresh (larger) thought.
		metrics.StoreErrors.WithLabelValues("claim").Inc()
		c.log.Error().Err(err).Int64("user_id", userID).Str("thought_id", t.ID).
			Msg("claim failed after retries, thought not dispatched")
		return
	}

	u.buf = u.buf[:0]
	u.lastSeq = msgs[len(msgs)-1].Seq

	if !claimed {
		// Another process owns this thought. Expected outcome of the
		// race, not an error.
		metrics.ClaimsLost.Inc()
		c.log.Debug().Int64("user_id", userID).Str("thought_id", t.ID).Msg("claim lost")
		return
	}

	metrics.ThoughtsEmitted.Inc()
	c.emit(ctx, t)
}

func (c *Chunker) claimWithRetry(ctx context.Context, thoughtID string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(attempt) * claimBackoff):
			}
		}
		claimed, err := c.store.Claim(ctx, thoughtID, c.claimTTL)
		if err == nil {
			return claimed, nil
		}
		lastErr = err
	}
	return false, lastErr
}

func (c *Chunker) user(userID int64) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		u = &userState{}
		c.users[userID] = u
	}
	return u
}

// Sweep retires users with an empty buffer and no activity for
// idleFor. Run periodically; a retired user is recreated on the next
// ingest.
func (c *Chunker) Sweep(idleFor time.Duration) int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, u := range c.users {
		u.mu.Lock()
		idle := len(u.buf) == 0 && now.Sub(u.lastActive) > idleFor
		if idle && u.timer != nil {
			u.timer.Stop()
		}
		u.mu.Unlock()
		if idle {
			delete(c.users, id)
			removed++
		}
	}
	return removed
}
