package ioprogress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker(t *testing.T) {
	tests := []struct {
		name   string
		length uint64
		adds   []uint64
		want   []int
	}{
		{"empty", 0, nil, []int{0, 100}},
		{"steps", 200, []uint64{1, 1, 98, 100}, []int{0, 1, 50, 100}},
		{"overshoot", 10, []uint64{20}, []int{0, 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []int{}
			pt := &ProgressTracker{Length: tt.length, Handler: func(percent int) { got = append(got, percent) }}

			pt.Update()
			for _, n := range tt.adds {
				pt.Add(n)
			}

			pt.Complete()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 100, pt.Percent())
		})
	}
}
