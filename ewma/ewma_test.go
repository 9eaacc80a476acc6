package ewma

import "testing"

func TestCounterFirstSampleIsExact(t *testing.T) {
	var c Counter
	c.Sample(1_000_000_000, 42.0)
	if c.Value != 42.0 {
		t.Fatalf("want 42.0, got %v", c.Value)
	}
}

func TestCounterDecaysTowardNewSample(t *testing.T) {
	var c Counter
	c.Sample(0, 10.0)
	c.Sample(int64(HalfLife*1e9), 0.0)
	// after one half-life with a zero follow-up sample, value should have
	// roughly halved.
	if c.Value <= 4.0 || c.Value >= 6.0 {
		t.Fatalf("want value near 5.0 after one half-life, got %v", c.Value)
	}
}

func TestHistoryBoundedPushDropsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, v := range []float64{1, 2, 3, 4} {
		h.Push(v)
	}
	if h.Len() != 3 {
		t.Fatalf("want len 3, got %d", h.Len())
	}
	got := h.Values()
	want := []float64{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestHistoryMeanAndStdDev(t *testing.T) {
	h := NewHistory(10)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		h.Push(v)
	}
	if mean := h.Mean(); mean != 5 {
		t.Fatalf("want mean 5, got %v", mean)
	}
	if std := h.StdDev(); std < 2.13 || std > 2.14 {
		t.Fatalf("want stddev ~2.138, got %v", std)
	}
}

func TestHistoryStdDevNeedsTwoSamples(t *testing.T) {
	h := NewHistory(5)
	h.Push(3)
	if std := h.StdDev(); std != 0 {
		t.Fatalf("want 0 stddev with one sample, got %v", std)
	}
}
