package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewErrorIRClassifiesDenials(t *testing.T) {
	e := NewErrorIR(ErrPolicyMissingCapability).WithDetail("fs:write:workspace").Build()
	require.Equal(t, ClassDenied, e.Class)
	require.Contains(t, e.Error(), ErrPolicyMissingCapability)
	require.Contains(t, e.Error(), "fs:write:workspace")
}

func TestNewErrorIRClassifiesFatal(t *testing.T) {
	e := NewErrorIR(ErrLedgerCorrupt).Build()
	require.Equal(t, ClassFatal, e.Class)
}

func TestNewErrorIRClassifiesRetryable(t *testing.T) {
	e := NewErrorIR(ErrExecTimeout).Build()
	require.Equal(t, ClassRetryable, e.Class)
}

func TestErrorIRBuilderOverridesClass(t *testing.T) {
	e := NewErrorIR(ErrExecTimeout).WithClass(ClassFatal).Build()
	require.Equal(t, ClassFatal, e.Class)
}
