// Package dispatch sequences the engine: inbound messages feed the
// chunker, claimed thoughts go to the job queue, and job results are
// streamed back through the send queue. The dispatcher owns no
// conversational state and performs no LLM call on the inbound path.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"chatflow/internal/chunker"
	"chatflow/internal/contextwindow"
	"chatflow/internal/jobs"
	"chatflow/internal/llm"
	"chatflow/internal/metrics"
	"chatflow/internal/sendqueue"
	"chatflow/internal/session"
)

// Enqueuer submits a claimed thought to the external job queue.
type Enqueuer interface {
	EnqueueThought(ctx context.Context, t chunker.Thought, window []session.Exchange) error
}

type Dispatcher struct {
	chunker      *chunker.Chunker
	windows      *contextwindow.Manager
	sendq        *sendqueue.Queue
	store        session.Store
	jobs         Enqueuer
	llm          llm.Client
	systemPrompt string
	fallback     string
	log          zerolog.Logger
}

type Options struct {
	Store        session.Store
	Windows      *contextwindow.Manager
	SendQueue    *sendqueue.Queue
	Jobs         Enqueuer
	LLM          llm.Client
	SystemPrompt string
	Fallback     string
	Debounce     time.Duration
	ClaimTTL     time.Duration
	Log          zerolog.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		windows:      opts.Windows,
		sendq:        opts.SendQueue,
		store:        opts.Store,
		jobs:         opts.Jobs,
		llm:          opts.LLM,
		systemPrompt: opts.SystemPrompt,
		fallback:     opts.Fallback,
		log:          opts.Log.With().Str("component", "dispatch").Logger(),
	}
	d.chunker = chunker.New(opts.Store, d.dispatchThought, opts.Debounce, opts.ClaimTTL, opts.Log)
	return d
}

// Chunker exposes the per-user buffer registry for housekeeping.
func (d *Dispatcher) Chunker() *chunker.Chunker {
	return d.chunker
}

// HandleInbound records the user's message in the context window and
// feeds it to the chunker.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg chunker.Message) {
	d.windows.Append(ctx, session.Exchange{
		UserID:    msg.UserID,
		Role:      session.RoleUser,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	d.chunker.Ingest(ctx, msg)
}

// dispatchThought runs when the chunker emits a claimed thought: any
// in-flight reply is now stale, the thought becomes the user's newest,
// and the job goes out with a snapshot of the context window.
func (d *Dispatcher) dispatchThought(ctx context.Context, t chunker.Thought) {
	d.sendq.Cancel(t.UserID)

	if err := d.store.SetLatestThought(ctx, t.UserID, t.FormedAt); err != nil {
		metrics.StoreErrors.WithLabelValues("latest").Inc()
		d.log.Warn().Err(err).Int64("user_id", t.UserID).Msg("latest-thought marker not persisted")
	}

	window := d.windows.Window(ctx, t.UserID)
	if err := d.jobs.EnqueueThought(ctx, t, window); err != nil {
		d.log.Error().Err(err).Int64("user_id", t.UserID).Str("thought_id", t.ID).Msg("enqueue failed")
		return
	}
	metrics.JobsEnqueued.Inc()
	d.log.Info().Int64("user_id", t.UserID).Str("thought_id", t.ID).
		Int("messages", len(t.Messages)).Msg("thought dispatched")
}

// HandleProcessThought is the queue consumer: build the prompt from
// the captured window, call the backend, and stream the segmented
// reply. Stale thoughts are discarded without a backend call.
func (d *Dispatcher) HandleProcessThought(ctx context.Context, task *asynq.Task) error {
	var p jobs.ProcessThoughtPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal thought payload: %v: %w", err, asynq.SkipRetry)
	}
	t := p.Thought

	if d.isStale(ctx, t) {
		return nil
	}

	resp, err := d.llm.Generate(ctx, d.buildPrompt(p.Context))
	if err != nil {
		if n, _ := asynq.GetRetryCount(ctx); n < maxRetryOrZero(ctx) {
			return fmt.Errorf("llm generate: %w", err)
		}
		// Out of retries: the user gets a graceful fallback through the
		// normal delivery path, never silence or a raw error.
		metrics.BackendFailures.Inc()
		d.log.Error().Err(err).Int64("user_id", t.UserID).Str("thought_id", t.ID).Msg("backend failed, sending fallback")
		d.sendq.Submit(t.UserID, []string{d.fallback})
		return nil
	}

	// The backend call may have run long; a newer thought makes this
	// result stale even though the work succeeded.
	if d.isStale(ctx, t) {
		return nil
	}

	segments := SegmentReply(resp.Content)
	if len(segments) == 0 {
		segments = []string{d.fallback}
	}

	d.log.Info().Int64("user_id", t.UserID).Str("thought_id", t.ID).Str("model", resp.Model).
		Int("segments", len(segments)).Int("total_tokens", resp.TotalTokens).Msg("reply ready")
	d.sendq.Submit(t.UserID, segments)
	return nil
}

// isStale reports whether a strictly newer thought has been claimed
// for the user since this one formed. Store errors are treated as
// not-stale: delivering a possibly superseded answer beats dropping a
// current one.
func (d *Dispatcher) isStale(ctx context.Context, t chunker.Thought) bool {
	latest, err := d.store.LatestThought(ctx, t.UserID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("latest").Inc()
		d.log.Warn().Err(err).Int64("user_id", t.UserID).Msg("latest-thought lookup failed")
		return false
	}
	if !latest.IsZero() && t.FormedAt.Before(latest) {
		metrics.StaleResultsDropped.Inc()
		d.log.Info().Int64("user_id", t.UserID).Str("thought_id", t.ID).Msg("stale result discarded")
		return true
	}
	return false
}

func (d *Dispatcher) buildPrompt(window []session.Exchange) []llm.Message {
	msgs := make([]llm.Message, 0, len(window)+1)
	if d.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: d.systemPrompt})
	}
	for _, ex := range window {
		role := "user"
		if ex.Role == session.RoleBot {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: ex.Text})
	}
	return msgs
}

func maxRetryOrZero(ctx context.Context) int {
	if n, ok := asynq.GetMaxRetry(ctx); ok {
		return n
	}
	return 0
}
