package mq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermanent(t *testing.T) {
	cause := errors.New("missing sender")
	err := fmt.Errorf("handle: %w", Permanent("malformed_input", cause))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "malformed_input: missing sender")

	assert.False(t, IsPermanent(cause))
	assert.False(t, IsPermanent(nil))
}
