package types

import "testing"

func TestRange_BlockRange(t *testing.T) {
	const bs = 4096

	tests := []struct {
		name      string
		r         Range
		wantFirst int64
		wantLast  int64
	}{
		{"single page at start", Range{Offset: 0, Size: 1024}, 0, 0},
		{"exact block", Range{Offset: 0, Size: bs}, 0, 0},
		{"crosses boundary", Range{Offset: bs - 1, Size: 2}, 0, 1},
		{"second block", Range{Offset: bs, Size: 10}, 1, 1},
		{"spans three", Range{Offset: 100, Size: 2 * bs}, 0, 2},
		{"empty", Range{Offset: bs, Size: 0}, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := tt.r.BlockRange(bs)
			if first != tt.wantFirst || last != tt.wantLast {
				t.Errorf("BlockRange() = (%d, %d), want (%d, %d)", first, last, tt.wantFirst, tt.wantLast)
			}
		})
	}
}
