package revert

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	errDuplicate := New(KindStateMachine, "duplicate")
	wrapped := fmt.Errorf("create transaction: %w", errDuplicate)

	assert.Equal(t, KindStateMachine, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, errDuplicate))
	assert.Equal(t, "duplicate", Reason(wrapped))
	assert.True(t, Is(wrapped, KindStateMachine))

	plain := errors.New("connection refused")
	assert.Equal(t, KindUnknown, KindOf(plain))
	assert.Equal(t, "connection refused", Reason(plain))
	assert.Equal(t, "", Reason(nil))
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindValidation, "validation"},
		{KindStateMachine, "state_machine"},
		{KindInsufficientFunds, "insufficient_funds"},
		{KindDelivery, "delivery"},
		{KindUnauthorized, "unauthorized"},
		{KindUnknown, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
