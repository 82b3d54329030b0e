package aisdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// ReadTranscript decodes a sequence of JSON parts, one object after another
// (JSON Lines or concatenated objects).
func ReadTranscript(r io.Reader) ([]Part, error) {
	dec := json.NewDecoder(r)
	var parts []Part
	for {
		var p Part
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", len(parts)+1, err)
		}
		if p.Type == "" {
			return nil, fmt.Errorf("part %d: missing type", len(parts)+1)
		}
		parts = append(parts, p)
	}
}

// FileSource replays a recorded transcript for every request.
// The file is read on each open so edits take effect between turns.
func FileSource(path string) Source {
	return func(ctx context.Context, req *llmstream.GenerateRequest) (llmstream.RawStream[Part], error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		parts, err := ReadTranscript(f)
		if err != nil {
			return nil, fmt.Errorf("read transcript %s: %w", path, err)
		}
		return llmstream.NewSliceStream(parts, nil), nil
	}
}
