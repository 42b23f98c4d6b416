// Package jobs binds the engine to the redis-backed task queue. The
// task id is the thought id, so the broker rejects duplicate
// submissions of an already-queued thought on top of the store claim.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"chatflow/internal/chunker"
	"chatflow/internal/session"
)

const TypeProcessThought = "thought:process"

type ProcessThoughtPayload struct {
	Thought chunker.Thought    `json:"thought"`
	Context []session.Exchange `json:"context"`
}

func NewProcessThoughtTask(t chunker.Thought, window []session.Exchange) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessThoughtPayload{Thought: t, Context: window})
	if err != nil {
		return nil, fmt.Errorf("marshal thought payload: %w", err)
	}
	return asynq.NewTask(TypeProcessThought, payload), nil
}
