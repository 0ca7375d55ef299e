package compress

import "testing"

func TestProfileFor(t *testing.T) {
	tests := []struct {
		usage   float64
		width   int
		quality float64
	}{
		{0, 1920, 0.85},
		{49.9, 1920, 0.85},
		{50, 1600, 0.8},
		{74.9, 1600, 0.8},
		{75, 1200, 0.7},
		{89.9, 1200, 0.7},
		{90, 800, 0.6},
		{100, 800, 0.6},
	}
	for _, tt := range tests {
		p := ProfileFor(tt.usage)
		if p.MaxWidth != tt.width || p.MaxHeight != tt.width || p.Quality != tt.quality {
			t.Errorf("ProfileFor(%.1f) = %+v, want width %d quality %.2f", tt.usage, p, tt.width, tt.quality)
		}
	}
}

func TestProfileForTightensMonotonically(t *testing.T) {
	prev := ProfileFor(0)
	for usage := 1.0; usage <= 100; usage++ {
		p := ProfileFor(usage)
		if p.MaxWidth > prev.MaxWidth || p.Quality > prev.Quality {
			t.Fatalf("profile loosened at %.0f%%: %+v after %+v", usage, p, prev)
		}
		prev = p
	}
}

func TestByteCeiling(t *testing.T) {
	tests := []struct {
		usage    float64
		expected int
	}{
		{10, 150 * 1024},
		{50, 130 * 1024},
		{75, 100 * 1024},
		{90, 80 * 1024},
	}
	for _, tt := range tests {
		if got := ByteCeiling(tt.usage); got != tt.expected {
			t.Errorf("ByteCeiling(%.0f) = %d, want %d", tt.usage, got, tt.expected)
		}
	}
}

func TestReducedQuality(t *testing.T) {
	p := ReducedQuality(Profile{MaxWidth: 1600, MaxHeight: 1600, Quality: 0.8})
	if p.Quality != 0.65 {
		t.Errorf("quality = %.2f, want 0.65", p.Quality)
	}
	if p.MaxWidth != 1600 || p.MaxHeight != 1600 {
		t.Errorf("dimensions changed: %+v", p)
	}

	floored := ReducedQuality(Profile{MaxWidth: 800, MaxHeight: 800, Quality: 0.45})
	if floored.Quality != MinQuality {
		t.Errorf("quality = %.2f, want floor %.2f", floored.Quality, MinQuality)
	}
}

func TestDownscaled(t *testing.T) {
	base := Profile{MaxWidth: 1600, MaxHeight: 1600, Quality: 0.8}

	// 4x over the ceiling scales dimensions by half.
	p := Downscaled(base, 100*1024, 400*1024)
	if p.MaxWidth != 800 || p.MaxHeight != 800 {
		t.Errorf("got %dx%d, want 800x800", p.MaxWidth, p.MaxHeight)
	}
	if p.Quality != base.Quality {
		t.Errorf("quality changed: %.2f", p.Quality)
	}

	// Under the ceiling nothing changes.
	same := Downscaled(base, 100*1024, 50*1024)
	if same != base {
		t.Errorf("profile changed for a fitting image: %+v", same)
	}

	// Extreme overage floors at the minimum dimension.
	tiny := Downscaled(base, 1024, 100*1024*1024)
	if tiny.MaxWidth != MinDimension || tiny.MaxHeight != MinDimension {
		t.Errorf("got %dx%d, want floor %dx%d", tiny.MaxWidth, tiny.MaxHeight, MinDimension, MinDimension)
	}
}
