package lifelog

import "testing"

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b uint64
		want int
	}{
		{"identical", 0b1010, 0b1010, 0},
		{"one_bit", 0b1010, 0b1011, 1},
		{"all_bits", 0, ^uint64(0), 64},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := hammingDistance(tc.a, tc.b); got != tc.want {
				t.Errorf("hammingDistance(%b, %b) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestFindDuplicate(t *testing.T) {
	recent := map[string]uint64{
		"img-1": 0b0000,
		"img-2": 0b1111,
	}

	t.Run("within_threshold_matches", func(t *testing.T) {
		if got := findDuplicate(0b0001, recent, 2); got != "img-1" {
			t.Errorf("findDuplicate = %q, want img-1", got)
		}
	})

	t.Run("outside_threshold_is_novel", func(t *testing.T) {
		if got := findDuplicate(0b0011, recent, 1); got != "" {
			t.Errorf("findDuplicate = %q, want empty (novel frame)", got)
		}
	})

	t.Run("empty_recent_set_is_novel", func(t *testing.T) {
		if got := findDuplicate(0b0000, map[string]uint64{}, 6); got != "" {
			t.Errorf("findDuplicate = %q, want empty", got)
		}
	})
}
