package motion

import (
	"fmt"
	"sync/atomic"
)

const (
	// DefaultThreshold is the number of moving blocks that must be exceeded.
	DefaultThreshold = 10
	// DefaultSensitivity is the per-block magnitude that must be exceeded.
	DefaultSensitivity = 60

	blockSize = 16
)

// Frame is one interval of motion-vector data laid out row-major on the
// encoder's macroblock grid.
type Frame struct {
	Cols int
	Rows int
	X    []int8
	Y    []int8
}

// Analyser receives one motion-vector frame per analysis interval. It runs
// inline on the capture path and must not block.
type Analyser interface {
	Analyse(f Frame)
}

// GridSize returns the motion-vector grid the encoder produces for an
// analysis stream of width x height. The encoder emits one extra column per
// row.
func GridSize(width, height int) (cols, rows int) {
	cols = (width+blockSize-1)/blockSize + 1
	rows = (height + blockSize - 1) / blockSize
	return cols, rows
}

// ScorerConfig configures a Scorer.
type ScorerConfig struct {
	Width       int // analysis stream width in pixels
	Height      int // analysis stream height in pixels
	Threshold   int
	Sensitivity int
}

// Scorer turns motion-vector frames into activity bits. On an active frame it
// also raises the motion event.
type Scorer struct {
	cols, rows  int
	threshold   int
	sensitivity int

	window *Window
	event  *Event

	frames       atomic.Uint64
	activeFrames atomic.Uint64
}

// NewScorer creates a scorer that feeds window and event.
func NewScorer(cfg ScorerConfig, window *Window, event *Event) (*Scorer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid analysis resolution %dx%d", cfg.Width, cfg.Height)
	}
	if window == nil || event == nil {
		return nil, fmt.Errorf("window and event are required")
	}
	if cfg.Threshold < 0 || cfg.Sensitivity < 0 {
		return nil, fmt.Errorf("threshold and sensitivity must not be negative")
	}
	cols, rows := GridSize(cfg.Width, cfg.Height)
	return &Scorer{
		cols:        cols,
		rows:        rows,
		threshold:   cfg.Threshold,
		sensitivity: cfg.Sensitivity,
		window:      window,
		event:       event,
	}, nil
}

// Grid returns the frame dimensions this scorer accepts.
func (s *Scorer) Grid() (cols, rows int) {
	return s.cols, s.rows
}

// Analyse scores f, appends the bit to the window and sets the event when
// active. A frame whose shape does not match the configured grid is a
// programming error and panics.
func (s *Scorer) Analyse(f Frame) {
	if f.Cols != s.cols || f.Rows != s.rows {
		panic(fmt.Sprintf("motion: frame grid %dx%d, want %dx%d", f.Cols, f.Rows, s.cols, s.rows))
	}
	active := s.Score(f)

	s.frames.Add(1)
	s.window.Append(active)
	if active {
		s.activeFrames.Add(1)
		s.event.Set()
	}
}

// Score reports whether more than threshold blocks exceed sensitivity.
func (s *Scorer) Score(f Frame) bool {
	n := f.Cols * f.Rows
	if len(f.X) != n || len(f.Y) != n {
		panic(fmt.Sprintf("motion: frame has %d/%d vectors, want %d", len(f.X), len(f.Y), n))
	}

	moving := 0
	for i := 0; i < n; i++ {
		if int(Magnitude(f.X[i], f.Y[i])) > s.sensitivity {
			moving++
		}
	}
	return moving > s.threshold
}

// Magnitude is the per-block motion score: both components reinterpreted as
// unsigned bytes, squared, summed and clamped to 255.
//
// The unsigned reinterpretation makes small negative vectors score as large
// ones (-1 becomes 255). Existing sensitivity settings were tuned against
// this, so it is kept as is.
func Magnitude(x, y int8) uint8 {
	ux, uy := uint32(uint8(x)), uint32(uint8(y))
	m := ux*ux + uy*uy
	if m > 255 {
		return 255
	}
	return uint8(m)
}

// Stats returns the number of frames scored and how many were active.
func (s *Scorer) Stats() (frames, active uint64) {
	return s.frames.Load(), s.activeFrames.Load()
}
