package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidation("blocked extension"), KindValidationRejected},
		{"threat", NewThreat("Eicar-Test-Signature"), KindThreatDetected},
		{"processing", NewProcessing("decode", errors.New("bad header")), KindProcessingFailed},
		{"storage", NewStorage("write", errors.New("disk full")), KindStorageFailed},
		{"not found", NewNotFound("object 42"), KindNotFound},
		{"foreign", errors.New("plain"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewThreat("Test.Signature"))
	assert.Equal(t, KindThreatDetected, KindOf(err))
	assert.Equal(t, "Test.Signature", ThreatSignature(err))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewStorage("remote upload", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "storage failed")
	assert.Contains(t, err.Error(), "remote upload")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestThreatSignature_NonThreat(t *testing.T) {
	assert.Empty(t, ThreatSignature(NewValidation("nope")))
	assert.Empty(t, ThreatSignature(nil))
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryImage.Valid())
	assert.True(t, CategoryDocument.Valid())
	assert.False(t, Category("archive").Valid())
	assert.False(t, Category("").Valid())
}
