package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// EventStream yields content fragments of one streamed completion.
// It is not safe for concurrent use; Close may be called from any
// goroutine.
type EventStream struct {
	parent context.Context
	body   io.ReadCloser
	reader *SSEReader
	cancel context.CancelFunc

	readTimeout time.Duration
	idle        *time.Timer
	timedOut    atomic.Bool

	done      bool
	closeOnce sync.Once
}

func newEventStream(parent context.Context, body io.ReadCloser, cancel context.CancelFunc, readTimeout time.Duration) *EventStream {
	s := &EventStream{
		parent:      parent,
		body:        body,
		reader:      NewSSEReader(body),
		cancel:      cancel,
		readTimeout: readTimeout,
	}
	if readTimeout > 0 {
		s.idle = time.AfterFunc(readTimeout, func() {
			s.timedOut.Store(true)
			cancel()
		})
	}
	return s
}

// Recv returns the next non-empty content fragment. It returns io.EOF
// after the terminal [DONE] frame, a finish_reason, or a clean end of the
// body. Malformed frames are logged and skipped.
func (s *EventStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		_, data, err := s.reader.ReadEvent()
		if err != nil {
			return "", s.readErr(err)
		}
		s.touch()

		payload := bytes.TrimSpace(data)
		if len(payload) == 0 {
			continue
		}
		if string(payload) == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			log.Printf("llm: skipping malformed frame: %v", err)
			continue
		}
		if chunk.Error != nil {
			s.done = true
			return "", &APIError{StatusCode: 500, Message: chunk.Error.Message}
		}

		var content string
		for _, choice := range chunk.Choices {
			content += choice.Delta.Content
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				s.done = true
			}
		}
		if content != "" {
			return content, nil
		}
	}
}

func (s *EventStream) readErr(err error) error {
	if err == io.EOF {
		s.done = true
		return io.EOF
	}
	if s.timedOut.Load() {
		return fmt.Errorf("%w after %v", ErrReadTimeout, s.readTimeout)
	}
	if perr := s.parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("llm: read stream: %w", err)
}

func (s *EventStream) touch() {
	if s.idle != nil {
		s.idle.Reset(s.readTimeout)
	}
}

// Close releases the connection. It is idempotent.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.idle != nil {
			s.idle.Stop()
		}
		s.cancel()
		err = s.body.Close()
	})
	return err
}
