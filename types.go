package llmstream

import "time"

// BlockType is the persisted kind of a message block.
type BlockType string

// Block type constants
const (
	BlockTypeUnknown     BlockType = "unknown" // Placeholder, promoted in place on first content
	BlockTypeMainText    BlockType = "main_text"
	BlockTypeThinking    BlockType = "thinking"
	BlockTypeCode        BlockType = "code"
	BlockTypeImage       BlockType = "image"
	BlockTypeTool        BlockType = "tool"
	BlockTypeCitation    BlockType = "citation"
	BlockTypeTranslation BlockType = "translation"
	BlockTypeFile        BlockType = "file"
	BlockTypeError       BlockType = "error"
)

// BlockStatus is the lifecycle state of a block.
type BlockStatus string

const (
	BlockStatusProcessing BlockStatus = "processing"
	BlockStatusStreaming  BlockStatus = "streaming"
	BlockStatusSuccess    BlockStatus = "success"
	BlockStatusError      BlockStatus = "error"
	BlockStatusPaused     BlockStatus = "paused"
)

// IsTerminal returns true for SUCCESS, ERROR and PAUSED.
func (s BlockStatus) IsTerminal() bool {
	return s == BlockStatusSuccess || s == BlockStatusError || s == BlockStatusPaused
}

// MessageStatus is the lifecycle state of a message, derived from its blocks.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusSuccess    MessageStatus = "success"
	MessageStatusError      MessageStatus = "error"
)

// IsTerminal returns true for SUCCESS and ERROR.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSuccess || s == MessageStatusError
}

// BlockContent is the type-dependent payload of a block.
//
// Per block type:
//   - main_text / thinking: Text (thinking also sets ThinkingMs)
//   - tool: ToolCall and, once finished, ToolResult
//   - image: Images
//   - citation: WebSearch
//   - error: Error
type BlockContent struct {
	Text       string            `json:"text,omitempty"`
	ThinkingMs int64             `json:"thinking_ms,omitempty"`
	ToolCall   *ToolCall         `json:"tool_call,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Images     []Image           `json:"images,omitempty"`
	WebSearch  *WebSearchResults `json:"web_search,omitempty"`
	Error      *ChunkError       `json:"error,omitempty"`
}

// MessageBlock is the persisted unit of assistant output.
type MessageBlock struct {
	ID        string       `json:"id"`
	MessageID string       `json:"message_id"`
	Type      BlockType    `json:"type"`
	Status    BlockStatus  `json:"status"`
	Content   BlockContent `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Message is the owning aggregate of blocks. Blocks are ids in append order.
type Message struct {
	ID        string        `json:"id"`
	TopicID   string        `json:"topic_id"`
	Role      string        `json:"role"`
	Model     string        `json:"model,omitempty"`
	Status    MessageStatus `json:"status"`
	Blocks    []string      `json:"blocks"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// BlockChanges is a partial block update. Nil fields are left untouched.
type BlockChanges struct {
	Type    *BlockType    `json:"type,omitempty"` // Only valid when promoting an UNKNOWN placeholder
	Status  *BlockStatus  `json:"status,omitempty"`
	Content *BlockContent `json:"content,omitempty"`
}

// Merge returns c with every non-nil field of later applied on top.
func (c BlockChanges) Merge(later BlockChanges) BlockChanges {
	if later.Type != nil {
		c.Type = later.Type
	}
	if later.Status != nil {
		c.Status = later.Status
	}
	if later.Content != nil {
		c.Content = later.Content
	}
	return c
}

// Apply writes the changes onto b.
func (c BlockChanges) Apply(b *MessageBlock) {
	if c.Type != nil {
		b.Type = *c.Type
	}
	if c.Status != nil {
		b.Status = *c.Status
	}
	if c.Content != nil {
		b.Content = *c.Content
	}
}

// Changes builds a BlockChanges with the given status and content.
func Changes(status BlockStatus, content BlockContent) BlockChanges {
	return BlockChanges{Status: &status, Content: &content}
}
