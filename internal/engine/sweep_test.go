package engine

import (
	"reflect"
	"testing"
)

func TestParsePids(t *testing.T) {
	tests := []struct {
		in   string
		want []int
	}{
		{"123\n456\n", []int{123, 456}},
		{"  789 ", []int{789}},
		{"", nil},
		{"abc\n12x\n", nil},
		{"1\n0\n42\n", []int{42}}, // init and invalid pids are never candidates
	}
	for _, tc := range tests {
		if got := parsePids(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parsePids(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]int{100, 200, 100, 300, 200}, 300)
	want := []int{100, 200}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("dedupe = %v, want %v", got, want)
	}
}
