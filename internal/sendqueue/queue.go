// Package sendqueue streams multi-segment replies at a human-plausible
// pace. Each user has at most one pending reply; submitting a new one
// supersedes and cancels the old one. Cancellation is cooperative and
// observed at segment boundaries, never mid-segment.
package sendqueue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatflow/internal/metrics"
)

// ErrUnreachable marks a delivery failure that means the user cannot
// receive messages at all (blocked the bot, deleted the chat). The
// remaining reply is abandoned instead of retried.
var ErrUnreachable = errors.New("user unreachable")

// Deliverer hands segments to the chat transport.
type Deliverer interface {
	Deliver(ctx context.Context, userID int64, text string) error
	// Typing signals the transport's typing indicator while a pacing
	// delay runs. Best effort.
	Typing(ctx context.Context, userID int64)
}

// DeliveredFunc is invoked after each successfully delivered segment,
// before the next one starts. Cancelled segments never reach it.
type DeliveredFunc func(ctx context.Context, userID int64, segment string)

type Queue struct {
	deliverer   Deliverer
	onDelivered DeliveredFunc
	cps         float64
	jitter      float64
	maxFailures int
	log         zerolog.Logger

	mu     sync.Mutex
	active map[int64]*pendingReply
}

type pendingReply struct {
	segments []string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(deliverer Deliverer, onDelivered DeliveredFunc, cps, jitter float64, maxFailures int, log zerolog.Logger) *Queue {
	return &Queue{
		deliverer:   deliverer,
		onDelivered: onDelivered,
		cps:         cps,
		jitter:      jitter,
		maxFailures: maxFailures,
		log:         log.With().Str("component", "sendqueue").Logger(),
		active:      make(map[int64]*pendingReply),
	}
}

// Submit replaces the user's pending reply with a new one. The old
// reply's cancellation is signalled before the new delivery starts,
// and the new loop waits for the old one to wind down so segments from
// the two replies never interleave.
func (q *Queue) Submit(userID int64, segments []string) {
	if len(segments) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pr := &pendingReply{
		segments: segments,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	q.mu.Lock()
	prev := q.active[userID]
	q.active[userID] = pr
	q.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	go q.run(userID, pr, prev)
}

// Cancel aborts the user's pending reply, if any. Idempotent; returns
// immediately. The delivery loop observes the cancellation at its next
// segment boundary.
func (q *Queue) Cancel(userID int64) {
	q.mu.Lock()
	pr := q.active[userID]
	q.mu.Unlock()
	if pr != nil {
		pr.cancel()
	}
}

func (q *Queue) run(userID int64, pr *pendingReply, prev *pendingReply) {
	defer close(pr.done)
	defer q.clear(userID, pr)

	if prev != nil {
		<-prev.done
	}

	failures := 0
	for _, segment := range pr.segments {
		q.deliverer.Typing(pr.ctx, userID)

		delay := q.pacingDelay(segment)
		select {
		case <-pr.ctx.Done():
			metrics.RepliesCancelled.Inc()
			q.log.Debug().Int64("user_id", userID).Msg("reply cancelled mid-stream")
			return
		case <-time.After(delay):
		}

		if err := q.deliverer.Deliver(pr.ctx, userID, segment); err != nil {
			if errors.Is(err, ErrUnreachable) {
				metrics.DeliveryFailures.WithLabelValues("unreachable").Inc()
				q.log.Warn().Err(err).Int64("user_id", userID).Msg("user unreachable, reply abandoned")
				return
			}
			failures++
			metrics.DeliveryFailures.WithLabelValues("transient").Inc()
			q.log.Warn().Err(err).Int64("user_id", userID).Int("failures", failures).Msg("segment delivery failed")
			if failures >= q.maxFailures {
				q.log.Warn().Int64("user_id", userID).Msg("too many delivery failures, reply abandoned")
				return
			}
			continue
		}

		failures = 0
		metrics.SegmentsDelivered.Inc()
		if q.onDelivered != nil {
			// A delivered segment is history even if the reply is
			// cancelled right after, so don't thread pr.ctx through.
			q.onDelivered(context.Background(), userID, segment)
		}
	}
}

// pacingDelay models typing time: segment length divided by a jittered
// characters-per-second rate.
func (q *Queue) pacingDelay(segment string) time.Duration {
	rate := q.cps * (1 - q.jitter + 2*q.jitter*rand.Float64())
	if rate <= 0 {
		rate = q.cps
	}
	seconds := float64(len([]rune(segment))) / rate
	return time.Duration(seconds * float64(time.Second))
}

// clear removes pr from the active map unless a newer reply has
// already replaced it.
func (q *Queue) clear(userID int64, pr *pendingReply) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[userID] == pr {
		delete(q.active, userID)
	}
}
