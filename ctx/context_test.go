package ctx

import (
	"errors"
	goflag "flag"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextStartStop(t *testing.T) {
	C := NewContext("test")

	var (
		aboutToStop int32
		stopping    int32
		worker      int32
	)

	err := C.CtxStart(
		func() error {
			C.CtxGo(func() {
				<-C.CtxStopping()
				atomic.StoreInt32(&worker, 1)
			})
			return nil
		},
		func() { atomic.AddInt32(&aboutToStop, 1) },
		func() { atomic.AddInt32(&stopping, 1) },
	)
	require.NoError(t, err)
	assert.True(t, C.CtxRunning())
	assert.NoError(t, C.CtxStatus())
	assert.Equal(t, ErrCtxAlreadyRunning, C.CtxStart(nil, nil, nil))

	assert.True(t, C.CtxStop("done", nil))
	assert.False(t, C.CtxStop("again", nil))
	C.CtxWait()

	assert.False(t, C.CtxRunning())
	assert.Error(t, C.CtxStatus())
	assert.Equal(t, "done", C.CtxStopReason())
	assert.Equal(t, int32(1), atomic.LoadInt32(&aboutToStop))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stopping))
	assert.Equal(t, int32(1), atomic.LoadInt32(&worker))
}

func TestContextStartFails(t *testing.T) {
	C := NewContext("test")

	boom := errors.New("boom")
	err := C.CtxStart(func() error { return boom }, nil, nil)
	assert.Equal(t, boom, err)
	assert.False(t, C.CtxRunning())
}

func TestContextStopsChildrenFirst(t *testing.T) {
	parent := NewContext("parent")
	child := NewContext("child")

	require.NoError(t, parent.CtxStart(nil, nil, nil))

	var childStoppedFirst int32
	require.NoError(t, child.CtxStart(nil, nil, nil))
	parent.CtxAddChild(child)

	parent.CtxGo(func() {
		<-parent.CtxStopping()
		if !child.CtxRunning() {
			atomic.StoreInt32(&childStoppedFirst, 1)
		}
	})

	parent.CtxStop("test", nil)

	done := make(chan struct{})
	go func() {
		parent.CtxWait()
		child.CtxWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("contexts did not stop")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&childStoppedFirst))
}

func TestLogFlags(t *testing.T) {
	for _, name := range []string{"v", "logtostderr", "log_dir", "vmodule"} {
		assert.NotNil(t, LogFlags.Lookup(name), name)
		assert.Nil(t, goflag.CommandLine.Lookup(name), name)
	}
}
