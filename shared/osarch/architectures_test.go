package osarch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchitectureID(t *testing.T) {
	id, err := ArchitectureID("amd64")
	require.NoError(t, err)
	assert.Equal(t, ARCH_64BIT_INTEL_X86, id)

	name, err := ArchitectureName(id)
	require.NoError(t, err)
	assert.Equal(t, "x86_64", name)

	_, err = ArchitectureID("z80")
	assert.Error(t, err)
}

func TestCanRun(t *testing.T) {
	tests := []struct {
		host  string
		guest string
		want  bool
	}{
		{"x86_64", "amd64", true},
		{"x86_64", "i686", true},
		{"i686", "x86_64", false},
		{"aarch64", "armhf", true},
		{"aarch64", "x86_64", false},
		{"z80", "z80", true},
		{"z80", "x86_64", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"/"+tt.guest, func(t *testing.T) {
			assert.Equal(t, tt.want, CanRun(tt.host, tt.guest))
		})
	}
}
