package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSection(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		content string
		want    string
	}{
		{"with header", "Description", "line one\n\nline two", "Description:\n  line one\n\n  line two\n\n"},
		{"without header", "", "one\ntwo", "  one\n  two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSection(tt.header, tt.content))
		})
	}
}
