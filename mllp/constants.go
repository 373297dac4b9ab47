package mllp

const (
	// Frame markers per the MLLP wire format:
	// <VT> payload <FS> <CR>
	StartByte byte = 0x0B // <VT> vertical tab
	EndByte1  byte = 0x1C // <FS> file separator
	EndByte2  byte = 0x0D // <CR> carriage return

	// FrameOverhead: StartByte(1) + EndByte1(1) + EndByte2(1)
	FrameOverhead = 3

	// MinFrameSize is a frame around an empty payload. A zero-length
	// message is degenerate but legal and must round-trip.
	MinFrameSize = FrameOverhead

	DefaultMaxMessageSize = 16 * 1024 * 1024 // 16MB
)
