package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveWinsOverLaterReject(t *testing.T) {
	f := newFuture[int]()
	f.resolve(42)
	f.reject(errors.New("too late"))

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	v, err := f.wait(timer.C)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_RejectWinsOverLaterResolve(t *testing.T) {
	f := newFuture[int]()
	f.reject(errors.New("boom"))
	f.resolve(42)

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	_, err := f.wait(timer.C)
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestFuture_WaitTimesOut(t *testing.T) {
	f := newFuture[int]()

	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()
	_, err := f.wait(timer.C)
	assert.ErrorIs(t, err, errTimeout)
}

func TestFuture_WaitAfterCompletionReturnsImmediately(t *testing.T) {
	f := newFuture[string]()
	f.resolve("done")

	// A second waiter after completion must not block on the timer.
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	v, err := f.wait(timer.C)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}
