package buffer

import "time"

// FrameType classifies an encoded unit of the video stream.
type FrameType uint8

const (
	// FrameTypeFrame is any unit that depends on earlier data.
	FrameTypeFrame FrameType = iota
	// FrameTypeKeyframe is an intra-coded picture.
	FrameTypeKeyframe
	// FrameTypeSPSHeader starts a self-contained section of the stream:
	// decoding can begin here without earlier context.
	FrameTypeSPSHeader
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeKeyframe:
		return "keyframe"
	case FrameTypeSPSHeader:
		return "sps_header"
	default:
		return "frame"
	}
}

// Frame is one encoded unit of the high-resolution stream.
type Frame struct {
	Data      []byte
	Type      FrameType
	Timestamp time.Time
	Sequence  uint64 // assigned by the ring on write
}

// Sink receives encoded frames from the camera. Implementations must not
// retain f.Data after WriteFrame returns.
type Sink interface {
	WriteFrame(f Frame) error
}
