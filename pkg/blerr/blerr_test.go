package blerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codedErr struct{ code int }

func (c codedErr) Error() string   { return fmt.Sprintf("status %d", c.code) }
func (c codedErr) StatusCode() int { return c.code }

func TestError_IsByKind(t *testing.T) {
	err := New(KindNotReady, "send", errors.New("notify disabled"))

	assert.ErrorIs(t, err, ErrNotReady)
	assert.NotErrorIs(t, err, ErrTimeout)

	wrapped := fmt.Errorf("outer: %w", err.WithAddr("AA:BB:CC:DD:EE:FF"))
	assert.ErrorIs(t, wrapped, ErrNotReady)
	assert.Equal(t, KindNotReady, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "[AA:BB:CC:DD:EE:FF]")
}

func TestStack(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		wantCode int
	}{
		{name: "plain error", err: errors.New("boom"), wantKind: KindStackError},
		{name: "coded error", err: codedErr{code: 133}, wantKind: KindStackError, wantCode: 133},
		{name: "already classified", err: ErrTimeout, wantKind: KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Stack("write", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))

			var be *Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.wantCode, be.Code)
		})
	}

	assert.NoError(t, Stack("write", nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "protocol violation", KindProtocolViolation.String())
	assert.Equal(t, "unknown error", Kind(99).String())
	assert.Equal(t, "connect: stack error (code 7): x", (&Error{Kind: KindStackError, Op: "connect", Code: 7, Err: errors.New("x")}).Error())
}
