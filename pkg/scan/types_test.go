package scan

import (
	"reflect"
	"testing"
)

func TestFingerprint(t *testing.T) {
	dp := &DetectedProc{TopPageTablePage: map[int]uint64{0: 0x1063, 0x1ED: 0x1AD063}}

	fp := dp.Fingerprint()
	if !reflect.DeepEqual(fp, dp.TopPageTablePage) {
		t.Fatalf("Fingerprint() = %v, want %v", fp, dp.TopPageTablePage)
	}
	fp[0] = 0
	delete(fp, 0x1ED)
	if dp.TopPageTablePage[0] != 0x1063 || dp.TopPageTablePage[0x1ED] != 0x1AD063 {
		t.Errorf("Fingerprint() shares storage with the record: %v", dp.TopPageTablePage)
	}

	if fp := (&DetectedProc{}).Fingerprint(); fp == nil || len(fp) != 0 {
		t.Errorf("Fingerprint() of empty record = %v", fp)
	}
}

func TestFileOffsetOf(t *testing.T) {
	tests := []struct {
		name string
		dp   DetectedProc
		pa   uint64
		want int64
	}{
		{"raw image", DetectedProc{FileOffset: 0x1AD000, CR3: 0x1AD000}, 0x5000, 0x5000},
		{"crash dump header", DetectedProc{FileOffset: 0x1AF000, CR3: 0x1AD000, Diff: 0x2000}, 0x5000, 0x7000},
		{"negative diff", DetectedProc{FileOffset: 0x1000, CR3: 0x3000, Diff: -0x2000}, 0x9000, 0x7000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dp.FileOffsetOf(tt.pa); got != tt.want {
				t.Errorf("FileOffsetOf(%#x) = %#x, want %#x", tt.pa, got, tt.want)
			}
		})
	}
}
