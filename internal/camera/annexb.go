package camera

import (
	"bytes"

	"github.com/mikeyg42/motioncam/internal/recorder/buffer"
)

// H.264 NAL unit types the recorder cares about.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
)

var startCode = []byte{0, 0, 1}

// ScanNALUnits is a bufio.SplitFunc that splits an H.264 Annex-B byte stream
// into NAL units. Each token keeps its start code, so concatenating the
// tokens reproduces the input exactly. Bytes before the first start code
// are returned as one token.
func ScanNALUnits(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	head := startCodeLen(data)
	if i := bytes.Index(data[head:], startCode); i >= 0 {
		end := head + i
		// A four-byte start code owns the zero before it.
		if end > head && data[end-1] == 0 {
			end--
		}
		if end > 0 {
			return end, data[:end], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// startCodeLen returns the length of the start code at the head of data, or
// zero when data does not begin with one.
func startCodeLen(data []byte) int {
	switch {
	case len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1:
		return 4
	case len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1:
		return 3
	default:
		return 0
	}
}

// NALType returns the nal_unit_type of a unit produced by ScanNALUnits, or
// -1 when it has no header.
func NALType(unit []byte) int {
	n := startCodeLen(unit)
	if n == 0 || len(unit) <= n {
		return -1
	}
	return int(unit[n] & 0x1f)
}

// ClassifyNAL maps a NAL unit to the frame type the pre-event ring indexes.
func ClassifyNAL(unit []byte) buffer.FrameType {
	switch NALType(unit) {
	case nalTypeSPS:
		return buffer.FrameTypeSPSHeader
	case nalTypeIDR:
		return buffer.FrameTypeKeyframe
	default:
		return buffer.FrameTypeFrame
	}
}
