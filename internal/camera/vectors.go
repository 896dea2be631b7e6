package camera

import (
	"bufio"
	"fmt"
	"io"

	"github.com/mikeyg42/motioncam/internal/motion"
)

// vectorRecordSize is the size of one inline motion vector record:
// int8 x, int8 y, uint16 sum of absolute differences.
const vectorRecordSize = 4

// VectorReader decodes a raw motion-vector stream into analysis frames.
// Each frame is Rows*Cols records in row-major order.
type VectorReader struct {
	r          *bufio.Reader
	cols, rows int
	raw        []byte
	frame      motion.Frame
}

// NewVectorReader reads frames sized for the given analysis resolution.
func NewVectorReader(r io.Reader, width, height int) *VectorReader {
	cols, rows := motion.GridSize(width, height)
	n := cols * rows
	return &VectorReader{
		r:    bufio.NewReaderSize(r, n*vectorRecordSize*4),
		cols: cols,
		rows: rows,
		raw:  make([]byte, n*vectorRecordSize),
		frame: motion.Frame{
			Cols: cols,
			Rows: rows,
			X:    make([]int8, n),
			Y:    make([]int8, n),
		},
	}
}

// Next returns the next frame. The returned slices are reused by the
// following call. A stream that ends part way through a frame returns
// io.ErrUnexpectedEOF.
func (v *VectorReader) Next() (motion.Frame, error) {
	if _, err := io.ReadFull(v.r, v.raw); err != nil {
		if err == io.ErrUnexpectedEOF {
			return motion.Frame{}, fmt.Errorf("truncated motion vector frame: %w", err)
		}
		return motion.Frame{}, err
	}
	for i := range v.frame.X {
		v.frame.X[i] = int8(v.raw[i*vectorRecordSize])
		v.frame.Y[i] = int8(v.raw[i*vectorRecordSize+1])
	}
	return v.frame, nil
}
