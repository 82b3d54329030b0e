package llmstream

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewBlockID returns a time-ordered block id, so ids sort in append order.
func NewBlockID() string {
	return ulid.Make().String()
}

// NewMessageID returns a new message id.
func NewMessageID() string {
	return uuid.New().String()
}

// NewAskID returns a new ask id. One ask can fan out into several turns.
func NewAskID() string {
	return uuid.New().String()
}
