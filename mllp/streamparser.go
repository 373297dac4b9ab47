package mllp

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// StreamParser reconstructs discrete MLLP messages from a live byte
// stream. Bytes arrive in whatever chunks the network delivers them --
// partial frames, frames split inside the end sequence, several frames
// in one read -- and NextMessage yields complete, unwrapped messages in
// arrival order.
//
// A StreamParser is owned by a single connection and is not safe for
// concurrent use; Append and NextMessage must be invoked sequentially
// by one logical reader.
type StreamParser struct {
	buf            []byte
	maxMessageSize int
}

// NewStreamParser returns a parser that rejects any message whose
// payload exceeds maxMessageSize bytes. A non-positive size falls back
// to DefaultMaxMessageSize.
func NewStreamParser(maxMessageSize int) *StreamParser {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &StreamParser{
		maxMessageSize: maxMessageSize,
	}
}

// Append adds raw bytes to the internal buffer. It never parses
// eagerly and never blocks; a zero-length chunk is a no-op.
func (p *StreamParser) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	p.buf = append(p.buf, data...)
}

// NextMessage scans the buffer for the next complete frame and returns
// its payload as a string. The second return value is false when no
// complete frame is buffered yet; the call is then non-destructive and
// may be repeated after more data is appended.
//
// Stray bytes before the first start byte are not part of any frame and
// are silently discarded. A buffered frame that never terminates is a
// hard error once it exceeds the maximum message size.
func (p *StreamParser) NextMessage() (string, bool, error) {
	payload, ok, err := p.NextMessageData()
	if err != nil || !ok {
		return "", false, err
	}
	if !utf8.Valid(payload) {
		return "", false, NewError(ErrCodeBadPayload, "message payload is not valid UTF-8")
	}
	return string(payload), true, nil
}

// NextMessageData is NextMessage without the UTF-8 requirement,
// returning the raw payload bytes.
func (p *StreamParser) NextMessageData() ([]byte, bool, error) {
	// Locate the start of the next frame, dropping any leading noise.
	start := bytes.IndexByte(p.buf, StartByte)
	if start < 0 {
		// Nothing here belongs to a frame.
		p.buf = p.buf[:0]
		return nil, false, nil
	}
	if start > 0 {
		p.buf = append(p.buf[:0], p.buf[start:]...)
	}

	// Scan for the end sequence after the start byte. A trailing lone
	// EndByte1 stays buffered until its partner arrives.
	end := bytes.Index(p.buf[1:], endSequence)
	if end < 0 {
		if len(p.buf) > p.maxMessageSize+FrameOverhead {
			// The frame can never complete within bounds; drop the
			// buffer so a malformed peer cannot grow it indefinitely.
			p.buf = nil
			return nil, false, NewError(ErrCodeFrameTooLarge, fmt.Sprintf("unterminated frame exceeds maximum message size of %d bytes", p.maxMessageSize))
		}
		return nil, false, nil
	}

	payloadLen := end
	consumed := 1 + payloadLen + len(endSequence)

	payload := make([]byte, payloadLen)
	copy(payload, p.buf[1:1+payloadLen])
	p.buf = append(p.buf[:0], p.buf[consumed:]...)

	if payloadLen > p.maxMessageSize {
		// The frame is consumed so the stream stays parseable, but the
		// oversize message itself is reported, never delivered.
		return nil, false, NewError(ErrCodeFrameTooLarge, fmt.Sprintf("message of %d bytes exceeds maximum message size of %d bytes", payloadLen, p.maxMessageSize))
	}

	return payload, true, nil
}

// Buffered returns the number of bytes held for a not-yet-complete
// frame.
func (p *StreamParser) Buffered() int {
	return len(p.buf)
}

// Reset discards all buffered bytes so the parser can begin a new
// independent stream.
func (p *StreamParser) Reset() {
	p.buf = nil
}
