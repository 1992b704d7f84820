package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCacheFlush(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterCacheFlush("0 */5 * * * *", func() int { return 0 }, nil))
	assert.Equal(t, 1, s.Len())

	err := s.RegisterCacheFlush("every tuesday", func() int { return 0 }, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestFlushJobReportsCount(t *testing.T) {
	s := New()
	var got []int
	require.NoError(t, s.RegisterCacheFlush("@hourly", func() int { return 4 }, func(n int) { got = append(got, n) }))

	// Run the job directly instead of waiting for the hour.
	s.Cron.Entries()[0].Job.Run()
	assert.Equal(t, []int{4}, got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 0 * * * *"))
	assert.NoError(t, Validate("@daily"))
	assert.Error(t, Validate("0 * * * *"), "seconds field required")
	assert.Error(t, Validate(""))
}

func TestStartStop(t *testing.T) {
	s := New()
	s.Start()
	s.Stop()
}
