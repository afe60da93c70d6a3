package frame

import "time"

// Frame is one encoded image unit flowing from the capture loop to the
// protocol handlers. A frame is immutable once published; a newer frame
// supersedes it, nothing ever mutates it in place.
type Frame struct {
	Seq       uint64
	Data      []byte
	Width     uint32
	Height    uint32
	Timestamp time.Time
}
