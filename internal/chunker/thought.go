package chunker

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Message is a single inbound user message as handed over by the
// transport. Seq comes from the transport's message id and is
// monotonic per user.
type Message struct {
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Thought is a coalesced run of messages treated as one unit of work.
type Thought struct {
	ID       string    `json:"id"`
	UserID   int64     `json:"user_id"`
	Messages []Message `json:"messages"`
	FormedAt time.Time `json:"formed_at"`
}

// Text joins the thought's messages into the single prompt line the
// backend sees.
func (t Thought) Text() string {
	parts := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, " ")
}

// thoughtID derives the thought's identity from the user and the
// seq/timestamp range the buffer covers. Two processes that observe
// the same run of messages compute the same id, which is what lets the
// store's create-if-absent claim stand in for a distributed lock.
// Changing this derivation breaks cross-process dedup.
func thoughtID(userID int64, msgs []Message) string {
	h := blake3.New()
	fmt.Fprintf(h, "%d", userID)
	for _, m := range msgs {
		fmt.Fprintf(h, "|%d:%d", m.Seq, m.Timestamp.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// completesThought reports whether the message text signals that the
// user's input is structurally complete, which bypasses the debounce
// wait.
func completesThought(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	runes := []rune(trimmed)
	switch runes[len(runes)-1] {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
