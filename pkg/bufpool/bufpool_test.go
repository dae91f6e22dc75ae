package bufpool

import (
	"testing"
)

func TestGetSizeClasses(t *testing.T) {
	p := NewPool(nil)

	tests := []struct {
		size    int
		wantCap int
	}{
		{100, DefaultSmallSize},
		{DefaultSmallSize, DefaultSmallSize},
		{DefaultSmallSize + 1, DefaultMediumSize},
		{DefaultMediumSize + 1, DefaultLargeSize},
	}

	for _, tt := range tests {
		buf := p.Get(tt.size)
		if len(buf) != tt.size {
			t.Errorf("Get(%d) len = %d, want %d", tt.size, len(buf), tt.size)
		}
		if cap(buf) != tt.wantCap {
			t.Errorf("Get(%d) cap = %d, want %d", tt.size, cap(buf), tt.wantCap)
		}
		p.Put(buf)
	}
}

func TestOversizedNotPooled(t *testing.T) {
	p := NewPool(nil)

	size := DefaultLargeSize + 1
	buf := p.Get(size)
	if len(buf) != size || cap(buf) != size {
		t.Errorf("oversized Get: len=%d cap=%d, want both %d", len(buf), cap(buf), size)
	}
	p.Put(buf)

	if got := p.Outstanding(); got != 0 {
		t.Errorf("outstanding after put = %d, want 0", got)
	}
}

func TestOutstandingAccounting(t *testing.T) {
	p := NewPool(nil)

	a := p.Get(100)
	b := p.Get(DefaultMediumSize)
	want := int64(DefaultSmallSize + DefaultMediumSize)
	if got := p.Outstanding(); got != want {
		t.Errorf("outstanding = %d, want %d", got, want)
	}

	p.Put(a)
	p.Put(b)
	if got := p.Outstanding(); got != 0 {
		t.Errorf("outstanding after puts = %d, want 0", got)
	}
}

func TestReclaimHandlerFiresOverBudget(t *testing.T) {
	p := NewPool(&Config{Budget: DefaultSmallSize})

	var asked int
	p.SetReclaimHandler(func(needed int) int {
		asked = needed
		return needed
	})

	a := p.Get(100) // within budget, no reclaim
	if asked != 0 {
		t.Errorf("reclaim fired below budget, needed=%d", asked)
	}

	b := p.Get(100) // would exceed budget
	if asked != 100 {
		t.Errorf("reclaim needed = %d, want 100", asked)
	}

	p.Put(a)
	p.Put(b)
}

func TestPutNilIgnored(t *testing.T) {
	p := NewPool(nil)
	p.Put(nil)
	if got := p.Outstanding(); got != 0 {
		t.Errorf("outstanding = %d, want 0", got)
	}
}
