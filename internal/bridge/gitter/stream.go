package gitter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyFrame is returned by Receive for the whitespace keep-alive frames
// Gitter sends to hold the connection open.  Callers skip these and read on.
var ErrEmptyFrame = errors.New("gitter: empty stream frame")

// MalformedFrameError wraps a frame that could not be decoded.  The stream is
// still usable afterwards; callers log and read on.
type MalformedFrameError struct {
	Frame string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("gitter: malformed stream frame %q: %v", e.Frame, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// StreamMessage is one chat message from a room's streaming endpoint.
type StreamMessage struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	FromUser User   `json:"fromUser"`
}

// StreamDecoder reads newline-framed JSON messages from a room stream.
type StreamDecoder struct {
	scanner *bufio.Scanner
}

// NewStreamDecoder wraps a stream body.  It does not take ownership of the
// reader; closing the underlying body is what terminates Receive.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &StreamDecoder{scanner: scanner}
}

// Receive blocks for the next frame.  It returns ErrEmptyFrame for
// keep-alives, a *MalformedFrameError for undecodable frames, and io.EOF
// (or the underlying read error) once the stream ends.
func (d *StreamDecoder) Receive() (*StreamMessage, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	line := strings.TrimSpace(d.scanner.Text())
	if line == "" {
		return nil, ErrEmptyFrame
	}

	var msg StreamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, &MalformedFrameError{Frame: line, Err: err}
	}
	return &msg, nil
}
