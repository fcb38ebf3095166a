package fitness

import "sync"

// SlidingWindowCDC estimates U_cdc as the rate of change of neighbor
// count over a fixed-size window of samples. Each Sample call records the
// current neighbor count; Estimate returns the mean absolute change
// between consecutive samples, normalized into [0,1] by a configurable
// scale.
type SlidingWindowCDC struct {
	mu      sync.Mutex
	window  []int
	size    int
	scale   float64
}

// NewSlidingWindowCDC builds an estimator over the last `size` samples.
// scale is the neighbor-count delta that should map to U_cdc=1.0; a
// typical value is the expected neighborhood size.
func NewSlidingWindowCDC(size int, scale float64) *SlidingWindowCDC {
	if size < 2 {
		size = 2
	}
	if scale <= 0 {
		scale = 1
	}
	return &SlidingWindowCDC{size: size, scale: scale}
}

// Sample records the current neighbor count.
func (s *SlidingWindowCDC) Sample(neighborCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = append(s.window, neighborCount)
	if len(s.window) > s.size {
		s.window = s.window[len(s.window)-s.size:]
	}
}

// Estimate returns the mean absolute sample-to-sample change, normalized
// by scale and clamped into [0,1].
func (s *SlidingWindowCDC) Estimate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) < 2 {
		return 0.0
	}
	var total float64
	for i := 1; i < len(s.window); i++ {
		d := s.window[i] - s.window[i-1]
		if d < 0 {
			d = -d
		}
		total += float64(d)
	}
	mean := total / float64(len(s.window)-1)
	return Clamp01(mean / s.scale)
}
