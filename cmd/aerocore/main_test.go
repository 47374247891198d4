package main

import "testing"

func TestRoundUpToPage(t *testing.T) {
	cases := []struct {
		size, pageSize, want int
	}{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{1024 * 1024, 4096, 1024 * 1024},
		{5, 0, 5},
	}
	for _, c := range cases {
		if got := roundUpToPage(c.size, c.pageSize); got != c.want {
			t.Errorf("roundUpToPage(%d, %d) = %d, want %d", c.size, c.pageSize, got, c.want)
		}
	}
}
