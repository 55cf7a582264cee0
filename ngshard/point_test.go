package ngshard

import "testing"

func TestPoint3d(t *testing.T) {
	p := Point3d{4, 5, 6}
	if p.Prod() != 120 {
		t.Errorf("Prod of %s = %d, expected 120", p, p.Prod())
	}
	if !p.Positive() {
		t.Errorf("%s should be positive", p)
	}
	if (Point3d{4, 0, 6}).Positive() {
		t.Error("a point with a zero element is not positive")
	}
	if p.Value(2) != 6 {
		t.Errorf("Value(2) of %s = %d, expected 6", p, p.Value(2))
	}
}

func TestChunkExtents(t *testing.T) {
	e := ChunkExtents{0, 64, 64, 128, 128, 192}
	if got := e.String(); got != "0-64_64-128_128-192" {
		t.Errorf("String = %q, expected %q", got, "0-64_64-128_128-192")
	}
	if e.MinPoint() != (Point3d{0, 64, 128}) {
		t.Errorf("MinPoint = %s", e.MinPoint())
	}
	if e.Size() != (Point3d{64, 64, 64}) {
		t.Errorf("Size = %s", e.Size())
	}
}
