package codec

import "fmt"

// DecodeError reports a failure to decrypt, decompress, or parse an inbound
// frame. The connection owner drops the frame and keeps the connection alive.
type DecodeError struct {
	Stage string // parse, decrypt, decompress
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame decode failed at %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SizeLimitError reports an outbound frame that exceeds the maximum frame
// size. The frame is never transmitted.
type SizeLimitError struct {
	Size  int
	Limit int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("frame size %d exceeds limit %d", e.Size, e.Limit)
}
