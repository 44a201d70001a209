package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserve(t *testing.T) {
	h := NewHistogram("read")
	h.Observe(3 * time.Millisecond)
	h.Observe(80 * time.Millisecond)
	snap := h.Snapshot()
	if snap.Count != 2 {
		t.Fatalf("count=%d", snap.Count)
	}
	if snap.Sum <= 0.08 || snap.Sum >= 0.09 {
		t.Fatalf("sum=%v", snap.Sum)
	}
	// 3ms falls in every bucket from 0.005 up; 80ms only from 0.1 up.
	var le005, le01 int64
	for _, b := range snap.Buckets {
		switch b.Le {
		case 0.005:
			le005 = b.Count
		case 0.1:
			le01 = b.Count
		}
	}
	if le005 != 1 || le01 != 2 {
		t.Fatalf("buckets le=0.005:%d le=0.1:%d", le005, le01)
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("write")
	for i := 0; i < 95; i++ {
		h.Observe(2 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		h.Observe(2 * time.Second)
	}
	snap := h.Snapshot()
	if snap.P50 != 0.005 {
		t.Fatalf("p50=%v", snap.P50)
	}
	if snap.P99 != 2.5 {
		t.Fatalf("p99=%v", snap.P99)
	}
}

func TestHistogramRegistrySorted(t *testing.T) {
	r := NewHistogramRegistry()
	r.ObserveDuration("b", time.Millisecond)
	r.ObserveDuration("a", time.Millisecond)
	snaps := r.Snapshots()
	if len(snaps) != 2 || snaps[0].Name != "a" || snaps[1].Name != "b" {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if r.Get("a") != r.Get("a") {
		t.Fatal("Get should return the same histogram")
	}
}

func TestHistogramEmptySnapshot(t *testing.T) {
	snap := NewHistogram("idle").Snapshot()
	if snap.Count != 0 || snap.P50 != 0 || snap.P95 != 0 {
		t.Fatalf("empty snapshot = %+v", snap)
	}
}
