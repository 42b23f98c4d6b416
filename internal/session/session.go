package session

import (
	"context"
	"errors"
	"time"
)

const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Exchange is a single turn of conversation history: one inbound user
// message or one delivered reply segment.
type Exchange struct {
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrUnavailable is returned when the backing store cannot be reached
// after bounded retries.
var ErrUnavailable = errors.New("session store unavailable")

// Store is the process-external state shared by every worker: dedup
// claims, the per-user exchange log, and the recency marker used to
// detect stale job results.
type Store interface {
	// Claim atomically records ownership of a thought. It returns true
	// if this caller won the claim, false if another process already
	// holds it. The claim expires after ttl.
	Claim(ctx context.Context, thoughtID string, ttl time.Duration) (bool, error)

	// AppendExchange appends one exchange to the user's history log.
	AppendExchange(ctx context.Context, ex Exchange) error

	// ReadWindow returns the user's exchanges with timestamps at or
	// after since, oldest first.
	ReadWindow(ctx context.Context, userID int64, since time.Time) ([]Exchange, error)

	// SetLatestThought records the formation time of the newest claimed
	// thought for the user.
	SetLatestThought(ctx context.Context, userID int64, formedAt time.Time) error

	// LatestThought returns the formation time recorded by
	// SetLatestThought, or the zero time if none exists.
	LatestThought(ctx context.Context, userID int64) (time.Time, error)
}
