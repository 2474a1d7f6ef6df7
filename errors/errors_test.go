package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotFound, "job lookup")
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))
	assert.False(t, IsNotFound(New("other")))
}

func TestNewNotFoundCarriesMessage(t *testing.T) {
	err := NewNotFound("job %q", "rebalance")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebalance")
	assert.True(t, Is(err, ErrNotFound))
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("missing field %s", "name")
	assert.True(t, IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "missing field name")
}

func TestIsDaemonUnreachable(t *testing.T) {
	err := Wrapf(ErrDaemonUnreachable, "dial %s", "/tmp/runnerd.sock")
	assert.True(t, IsDaemonUnreachable(err))
	assert.False(t, IsDaemonUnreachable(ErrNotFound))
}
