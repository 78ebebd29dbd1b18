package llm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// maxFrameSize bounds a single SSE event.
const maxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when an event exceeds maxFrameSize. The
// oversized line is never held in memory in full.
var ErrFrameTooLarge = errors.New("llm: sse frame too large")

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 16*1024)}
}

// ReadEvent returns the next event's type and its data lines joined by
// "\n". Comment lines and fields other than event and data are ignored.
// Data buffered when the stream ends is returned before io.EOF.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.readLine(maxFrameSize - size)
		if err == ErrFrameTooLarge {
			return "", nil, err
		}
		if err != nil && (err != io.EOF || len(line) == 0) {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}
		atEOF := err == io.EOF

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if atEOF {
				return "", nil, io.EOF
			}
			continue
		}

		size += len(line)

		switch {
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimPrefix(line[5:], []byte(" ")))
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		}

		if atEOF {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// readLine returns the next line, including its newline, copied out of
// the reader's buffer. Lines longer than limit fail with ErrFrameTooLarge
// as soon as the limit is crossed.
func (s *SSEReader) readLine(limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(line)+len(chunk) > limit+2 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}
