package openrouter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// maxLineSize bounds a single SSE data line.
const maxLineSize = 1 << 20

// SSEStream decodes an OpenRouter server-sent event body into chunks.
// It implements llmstream.RawStream[ChatCompletionChunk].
type SSEStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	current ChatCompletionChunk
	err     error
	done    bool
}

// NewSSEStream wraps body. Close releases it.
func NewSSEStream(body io.ReadCloser) *SSEStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &SSEStream{body: body, scanner: scanner}
}

// Next advances to the next data chunk. Comments, blank lines and non-data
// fields are skipped; "[DONE]" ends the stream.
func (s *SSEStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return false
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.err = &llmstream.ProtocolError{
				Provider:  llmstream.ProviderOpenRouter.String(),
				EventType: "data",
				Reason:    fmt.Sprintf("invalid chunk json: %v", err),
			}
			return false
		}

		s.current = chunk
		return true
	}

	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("error reading stream: %w", err)
	}
	s.done = true
	return false
}

// Current returns the chunk read by the last successful Next.
func (s *SSEStream) Current() ChatCompletionChunk {
	return s.current
}

// Err returns the first decode or read error.
func (s *SSEStream) Err() error {
	return s.err
}

// Close closes the underlying body.
func (s *SSEStream) Close() error {
	return s.body.Close()
}
