package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"chatflow/internal/chunker"
	"chatflow/internal/session"
)

const (
	taskMaxRetry  = 2
	taskTimeout   = 2 * time.Minute
	taskRetention = time.Hour
)

type Enqueuer struct {
	client *asynq.Client
	log    zerolog.Logger
}

func NewEnqueuer(redisURL string, log zerolog.Logger) (*Enqueuer, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	return &Enqueuer{
		client: asynq.NewClient(opt),
		log:    log.With().Str("component", "jobs").Logger(),
	}, nil
}

// EnqueueThought submits a claimed thought for processing. A task id
// conflict means the thought is already queued (redelivered event or a
// racing front-end) and is treated as success.
func (e *Enqueuer) EnqueueThought(ctx context.Context, t chunker.Thought, window []session.Exchange) error {
	task, err := NewProcessThoughtTask(t, window)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID(t.ID),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Retention(taskRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		e.log.Debug().Str("thought_id", t.ID).Msg("thought already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue thought %s: %w", t.ID, err)
	}
	return nil
}

func (e *Enqueuer) Close() error {
	return e.client.Close()
}
