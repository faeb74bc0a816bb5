package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIntervalMustBePositive(t *testing.T) {
	saved := rootFlags.statusEvery
	t.Cleanup(func() { rootFlags.statusEvery = saved })

	for _, d := range []time.Duration{0, -time.Second} {
		rootFlags.statusEvery = d
		assert.ErrorContains(t, checkFlags(), "status interval must be positive")
	}

	rootFlags.statusEvery = time.Minute
	require.NoError(t, checkFlags())
}

func TestRunRejectsZeroStatusInterval(t *testing.T) {
	saved := rootFlags
	t.Cleanup(func() { rootFlags = saved })

	rootCmd.SetArgs([]string{"--status-interval", "0", "--interactive=false"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status interval must be positive")
}
