package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFaultUnwrapsKindAndCause(t *testing.T) {
	err := Transport("fetch page", context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.True(t, IsRetryable(err))
}

func TestFaultSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("run job: %w", Conflict("topup", errors.New("job abc running")))

	var f *Fault
	assert.True(t, errors.As(err, &f))
	assert.Equal(t, ErrConflict, f.Kind)
	assert.Equal(t, ErrConflict, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestFaultMessages(t *testing.T) {
	tests := []struct {
		name string
		err  *Fault
		want string
	}{
		{"op and cause", Protocol("decode", errors.New("eof")), "protocol fault: decode: eof"},
		{"cause only", Storage("", errors.New("disk full")), "storage fault: disk full"},
		{"op only", Range("parse", nil), "range fault: parse"},
		{"bare", &Fault{Kind: ErrConflict}, "conflict fault"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Nil(t, KindOf(errors.New("plain")))
	assert.Nil(t, KindOf(nil))
}
