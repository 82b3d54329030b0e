// Package memory is an in-process Store that keeps every write it receives.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// ErrNotFound is returned for unknown block or message ids.
var ErrNotFound = errors.New("memory store: not found")

// Op names a recorded Store call.
type Op string

const (
	OpCreate        Op = "create"
	OpUpdate        Op = "update"
	OpFinalize      Op = "finalize"
	OpDelete        Op = "delete"
	OpMessageStatus Op = "message_status"
)

// Write is one recorded Store call.
type Write struct {
	Op            Op
	BlockID       string
	MessageID     string
	Block         *llmstream.MessageBlock // set for create
	Changes       llmstream.BlockChanges  // set for update and finalize
	MessageStatus llmstream.MessageStatus // set for message_status
}

// Store is a mutex-protected map store. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	messages map[string]*llmstream.Message
	blocks   map[string]*llmstream.MessageBlock
	writes   []Write

	failOn map[Op]error // injected failures

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string]*llmstream.Message),
		blocks:   make(map[string]*llmstream.MessageBlock),
		failOn:   make(map[Op]error),
		now:      time.Now,
	}
}

// FailOn makes every later call of op fail with err. A nil err clears it.
func (s *Store) FailOn(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

// CreateMessage registers an assistant message in PENDING status.
func (s *Store) CreateMessage(_ context.Context, msg *llmstream.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("memory store: message %s already exists", msg.ID)
	}
	m := *msg
	if m.Status == "" {
		m.Status = llmstream.MessageStatusPending
	}
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt
	m.Blocks = slices.Clone(msg.Blocks)
	s.messages[m.ID] = &m
	return nil
}

func (s *Store) CreateBlock(_ context.Context, block *llmstream.MessageBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[OpCreate]; err != nil {
		return err
	}
	msg, ok := s.messages[block.MessageID]
	if !ok {
		return fmt.Errorf("message %s: %w", block.MessageID, ErrNotFound)
	}
	b := *block
	now := s.now()
	b.CreatedAt, b.UpdatedAt = now, now
	s.blocks[b.ID] = &b
	msg.Blocks = append(msg.Blocks, b.ID)
	msg.UpdatedAt = now

	snapshot := b
	s.writes = append(s.writes, Write{Op: OpCreate, BlockID: b.ID, MessageID: b.MessageID, Block: &snapshot})
	return nil
}

func (s *Store) UpdateBlock(_ context.Context, blockID string, changes llmstream.BlockChanges) error {
	return s.apply(OpUpdate, blockID, changes)
}

func (s *Store) FinalizeBlock(_ context.Context, blockID string, changes llmstream.BlockChanges) error {
	return s.apply(OpFinalize, blockID, changes)
}

func (s *Store) apply(op Op, blockID string, changes llmstream.BlockChanges) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[op]; err != nil {
		return err
	}
	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("block %s: %w", blockID, ErrNotFound)
	}
	changes.Apply(b)
	b.UpdatedAt = s.now()
	s.writes = append(s.writes, Write{Op: op, BlockID: blockID, MessageID: b.MessageID, Changes: changes})
	return nil
}

func (s *Store) DeleteBlock(_ context.Context, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[OpDelete]; err != nil {
		return err
	}
	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("block %s: %w", blockID, ErrNotFound)
	}
	delete(s.blocks, blockID)
	if msg, ok := s.messages[b.MessageID]; ok {
		msg.Blocks = slices.DeleteFunc(msg.Blocks, func(id string) bool { return id == blockID })
	}
	s.writes = append(s.writes, Write{Op: OpDelete, BlockID: blockID, MessageID: b.MessageID})
	return nil
}

func (s *Store) UpdateMessageStatus(_ context.Context, messageID string, status llmstream.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[OpMessageStatus]; err != nil {
		return err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	msg.Status = status
	msg.UpdatedAt = s.now()
	s.writes = append(s.writes, Write{Op: OpMessageStatus, MessageID: messageID, MessageStatus: status})
	return nil
}

// GetMessage returns a copy of the message.
func (s *Store) GetMessage(_ context.Context, messageID string) (*llmstream.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	m := *msg
	m.Blocks = slices.Clone(msg.Blocks)
	return &m, nil
}

// ListBlocks returns copies of the message's blocks in append order.
func (s *Store) ListBlocks(_ context.Context, messageID string) ([]llmstream.MessageBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	out := make([]llmstream.MessageBlock, 0, len(msg.Blocks))
	for _, id := range msg.Blocks {
		out = append(out, *s.blocks[id])
	}
	return out, nil
}

// Block returns a copy of one block.
func (s *Store) Block(blockID string) (llmstream.MessageBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return llmstream.MessageBlock{}, false
	}
	return *b, true
}

// Writes returns every recorded call in order.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// WritesFor returns the recorded calls for one block, optionally filtered by op.
func (s *Store) WritesFor(blockID string, ops ...Op) []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Write
	for _, w := range s.writes {
		if w.BlockID != blockID {
			continue
		}
		if len(ops) > 0 && !slices.Contains(ops, w.Op) {
			continue
		}
		out = append(out, w)
	}
	return out
}
