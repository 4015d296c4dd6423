package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ResultCode
	}{
		{name: "nil", err: nil, want: Success},
		{name: "plain", err: errors.New("boom"), want: Failure},
		{name: "direct", err: ResultErrorf(NoDiskSpace, "need more"), want: NoDiskSpace},
		{name: "wrapped", err: fmt.Errorf("Failed check: %w", ResultErrorf(CPUIncompatible, "")), want: CPUIncompatible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultCodeOf(tt.err))
		})
	}
}

func TestResultErrorMessage(t *testing.T) {
	assert.Equal(t, "Not authorized", ResultErrorf(NotAuthorized, "").Error())
	assert.Equal(t, "custom", ResultErrorf(NotAuthorized, "custom").Error())
	assert.Equal(t, "Result 0x1234", ResultCode(0x1234).String())
}

func TestCancelled(t *testing.T) {
	err := fmt.Errorf("Transfer stopped: %w", ErrCancelled)
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, ResultErrorf(OperationCancelled, "other text"))
	assert.False(t, IsCancelled(ResultErrorf(Timeout, "")))
}
