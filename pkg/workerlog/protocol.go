package workerlog

import "bytes"

// Wire constants shared with child processes. They are not negotiable per worker.
const (
	// Marker is the first output of a child that speaks the structured protocol.
	Marker = "NODELOG_STRUCTURED_LOGGING_ENABLE=True"

	// RecordSeparator terminates every structured record (ASCII RS).
	RecordSeparator byte = 0x1e
)

// Default channel identifiers, matching the child's file descriptors.
const (
	ChannelRaw         = 1 // stdout
	ChannelCooperative = 2 // stderr
)

// Mode is how the cooperative channel is decoded.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeStructured
	ModePlainText
)

func (m Mode) String() string {
	switch m {
	case ModeStructured:
		return "structured"
	case ModePlainText:
		return "plaintext"
	default:
		return "unknown"
	}
}

// detect classifies the first chunk seen on the cooperative channel and
// returns the bytes that remain to be decoded in that mode. A marker split
// across two chunks is not recognised.
func detect(chunk []byte) (Mode, []byte) {
	if bytes.HasPrefix(chunk, []byte(Marker)) {
		return ModeStructured, chunk[len(Marker):]
	}
	return ModePlainText, chunk
}
