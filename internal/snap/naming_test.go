package snap_test

import (
	"testing"
	"time"

	"labsnap/internal/snap"
)

func TestNames(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 5, 999, time.FixedZone("CET", 3600))

	if got := snap.FormatName(at, 1); got != "snapshot-20240301-080005Z" {
		t.Errorf("FormatName(seq 1) = %q", got)
	}
	if got := snap.FormatName(at, 3); got != "snapshot-20240301-080005Z-3" {
		t.Errorf("FormatName(seq 3) = %q", got)
	}

	tests := []struct {
		base string
		ok   bool
		seq  int
	}{
		{"snapshot-20240301-080005Z", true, 1},
		{"snapshot-20240301-080005Z-2", true, 2},
		{"snapshot-20240301-080005Z-1", false, 0},
		{"snapshot-20240301-080005", false, 0},
		{"snapshot-20241301-080005Z", false, 0},
		{"backup-20240301-080005Z", false, 0},
		{"snapshot-20240301-080005Z.tar.gz", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			n, ok := snap.ParseName(tt.base)
			if ok != tt.ok {
				t.Fatalf("ParseName() ok = %v, want %v", ok, tt.ok)
			}
			if ok && n.Seq != tt.seq {
				t.Errorf("Seq = %d, want %d", n.Seq, tt.seq)
			}
		})
	}

	a, _ := snap.ParseName("snapshot-20240301-080005Z")
	b, _ := snap.ParseName("snapshot-20240301-080005Z-2")
	c, _ := snap.ParseName("snapshot-20240301-080006Z")
	if !b.Newer(a) || !c.Newer(b) || a.Newer(c) {
		t.Error("Newer() does not follow creation order")
	}
}

func TestCode(t *testing.T) {
	if snap.Code(nil) != "" {
		t.Error("Code(nil) not empty")
	}
	if got := snap.Code(snap.ErrTargetExists); got != "target_exists" {
		t.Errorf("Code(ErrTargetExists) = %q", got)
	}
}
