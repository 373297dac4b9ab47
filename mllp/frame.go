/*
Package mllp implements the Minimal Lower Layer Protocol framing used to
delimit HL7 messages on a TCP stream. In terms of the overall connection
layer architecture this package sits at the bottom, turning payloads into
marker-delimited frames and reconstructing complete messages from raw,
arbitrarily-chunked byte deliveries.

The wire format is:

	<0x0B> <payload bytes, UTF-8> <0x1C> <0x0D>

Payload bytes are not escaped; HL7 v2 segment separators (\r) never
collide with the marker bytes.
*/
package mllp

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

var endSequence = []byte{EndByte1, EndByte2}

// Frame wraps payload in MLLP start/end markers. The payload content is
// not inspected or validated.
func Frame(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+FrameOverhead)
	framed = append(framed, StartByte)
	framed = append(framed, payload...)
	framed = append(framed, EndByte1, EndByte2)
	return framed
}

// FrameString frames a text payload, UTF-8 encoded.
func FrameString(payload string) []byte {
	return Frame([]byte(payload))
}

// IsCompleteFrame reports whether data is a single well-formed frame:
// it begins with the start byte and ends with the two-byte end sequence.
func IsCompleteFrame(data []byte) bool {
	return len(data) >= MinFrameSize &&
		data[0] == StartByte &&
		bytes.HasSuffix(data, endSequence)
}

// ContainsStartByte reports whether the start byte appears anywhere in
// data. Used for diagnostic and health checks, not full validation.
func ContainsStartByte(data []byte) bool {
	return bytes.IndexByte(data, StartByte) >= 0
}

// DeframeToData strips the leading start byte and trailing end sequence
// and returns the raw payload.
func DeframeToData(data []byte) ([]byte, error) {
	if len(data) < MinFrameSize {
		return nil, NewError(ErrCodeBadFrame, fmt.Sprintf("frame is %d bytes, shorter than the %d byte minimum", len(data), MinFrameSize))
	}
	if data[0] != StartByte {
		return nil, NewError(ErrCodeBadFrame, "frame does not begin with the start byte")
	}
	if !bytes.HasSuffix(data, endSequence) {
		return nil, NewError(ErrCodeBadFrame, "frame does not end with the end sequence")
	}

	payload := make([]byte, len(data)-FrameOverhead)
	copy(payload, data[1:len(data)-len(endSequence)])
	return payload, nil
}

// Deframe strips the MLLP markers and returns the payload as a string.
// Fails if the payload is not valid UTF-8.
func Deframe(data []byte) (string, error) {
	payload, err := DeframeToData(data)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(payload) {
		return "", NewError(ErrCodeBadPayload, "frame payload is not valid UTF-8")
	}
	return string(payload), nil
}
