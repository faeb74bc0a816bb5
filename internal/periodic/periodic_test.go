package periodic

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestRunnerManualTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs int32
	tk := NewManualTicker()
	r := Start(TaskFunc(func() { atomic.AddInt32(&runs, 1) }), tk)

	assert.True(t, tk.Tick(time.Now()))
	assert.True(t, tk.Tick(time.Now()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, time.Millisecond)
	r.Stop()

	assert.False(t, tk.Tick(time.Now()))
}

func TestRunnerRealTicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	var runs int32
	r := Start(TaskFunc(func() { atomic.AddInt32(&runs, 1) }), NewTicker(5*time.Millisecond))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, time.Millisecond)
	r.Stop()
}
