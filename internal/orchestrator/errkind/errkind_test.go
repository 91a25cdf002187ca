package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassified(t *testing.T) {
	err := New(Timeout, "no reply within %ds", 30)
	assert.Equal(t, Timeout, KindOf(err))
	assert.Equal(t, "no reply within 30s", MessageOf(err))
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, SessionGone))
}

func TestKindOfUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, Internal, KindOf(err))
	assert.Equal(t, "plain", MessageOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(SessionGone, cause, "tmux kill-session")
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, SessionGone, KindOf(err))
	assert.Contains(t, err.Error(), "SESSION_GONE")
	assert.Contains(t, err.Error(), "exit status 1")
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(QueueOverflow, "inbox full")
	outer := fmt.Errorf("delivering: %w", inner)
	assert.Equal(t, QueueOverflow, KindOf(outer))
}
