package appErrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("load: %w", NewTargetNotFound("t-1"))

	assert.True(t, errors.Is(err, ErrNotFound))
	var nf *ErrEntityNotFound
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "target", nf.Entity)
	assert.Equal(t, `target "t-1" not found`, nf.Error())
}

func TestTransitionErrorUnwraps(t *testing.T) {
	err := NewStaleTransition("target", "t-1", "queued", "sending")
	assert.True(t, errors.Is(err, ErrStaleTransition))
	assert.False(t, errors.Is(err, ErrInvalidTransition))

	err = NewInvalidTransition("target", "t-1", "failed", "queued")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "failed -> queued")
}
