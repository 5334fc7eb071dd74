package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/rete/internal/accessor"
	"github.com/roach88/rete/internal/knowledge"
)

func TestRuntimeError_Error(t *testing.T) {
	err := &RuntimeError{Code: ErrCodeEvaluationFault, Message: "evaluation failed", Rule: "r", Handle: 3, Err: errors.New("boom")}
	assert.Equal(t, "EVALUATION_FAULT: evaluation failed (rule=r) (handle=3): boom", err.Error())
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", invalidHandle(1, "gone"))
	assert.True(t, IsInvalidHandle(wrapped))
	assert.False(t, IsLogicalFact(wrapped))

	assert.True(t, IsTypeInUse(fmt.Errorf("x: %w", knowledge.ErrTypeInUse)))
	assert.True(t, IsWiringFault(&knowledge.WiringError{Package: "p"}))
	assert.True(t, IsWiringFault(accessor.ErrUnwired))
	assert.False(t, IsWiringFault(errors.New("other")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code RuntimeErrorCode
	}{
		{"unwired", &knowledge.WiringError{Package: "p"}, ErrCodeUnwiredPackage},
		{"type in use", fmt.Errorf("remove Person: %w", knowledge.ErrTypeInUse), ErrCodeTypeInUse},
		{"runtime error kept", invalidFact("nil fact"), ErrCodeInvalidFact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.True(t, hasCode(got, tt.code))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, Classify(nil))
	plain := errors.New("plain")
	assert.Same(t, plain, Classify(plain))
}
