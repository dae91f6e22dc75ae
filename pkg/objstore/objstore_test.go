package objstore

import "testing"

func TestObjectKey(t *testing.T) {
	if got := ObjectKey(1); got != "01/00000000000000000001" {
		t.Errorf("ObjectKey(1) = %q", got)
	}
	if got := ObjectKey(256); got != "00/00000000000000000256" {
		t.Errorf("ObjectKey(256) = %q", got)
	}

	// Keys sort lexicographically within a hash prefix.
	if ObjectKey(257) <= ObjectKey(1) {
		t.Error("keys within a prefix must order by id")
	}
}
