package accel

import (
	"errors"
	"testing"
)

func TestClamp(t *testing.T) {
	cases := []struct{ v, lo, hi, want int }{
		{0, 1, 16, 1},
		{8, 1, 16, 8},
		{100, 1, 16, 16},
	}
	for _, c := range cases {
		if got := clamp(c.v, c.lo, c.hi); got != c.want {
			t.Errorf("clamp(%d, %d, %d) = %d, want %d", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestDTypeString(t *testing.T) {
	if Float32.String() != "float32" {
		t.Errorf("Float32.String() = %q", Float32.String())
	}
	if Float16.String() != "float16" {
		t.Errorf("Float16.String() = %q", Float16.String())
	}
}

func TestLooksLikeOOM(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("failed to allocate memory for output tensor"), true},
		{errors.New("CUDA error: out of vram"), true},
		{errors.New("invalid graph: shape mismatch"), false},
	}
	for _, c := range cases {
		if got := looksLikeOOM(c.err); got != c.want {
			t.Errorf("looksLikeOOM(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestSessionDtypeReadsInputType(t *testing.T) {
	s := &Session{InputType: Float16}
	if got := s.Dtype(); got != Float16 {
		t.Errorf("Dtype() = %v, want Float16", got)
	}
}
