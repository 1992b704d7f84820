package gateway

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(rb *ReplayBuffer, from, to int64) {
	for i := from; i <= to; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}
}

func seqs(envs [][]byte) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = string(e)
	}
	return out
}

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	fill(rb, 1, 10)
	assert.Equal(t, []string{"3", "4", "5", "6", "7"}, seqs(rb.Range(3, 7)))
	assert.Empty(t, rb.Range(11, 20))
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	fill(rb, 1, 8)

	require.Equal(t, 5, rb.Len())
	assert.Equal(t, []string{"4", "5", "6", "7", "8"}, seqs(rb.Range(1, 10)))
}

func TestReplayBuffer_Since(t *testing.T) {
	rb := NewReplayBuffer(5)

	got, ok := rb.Since(0)
	assert.True(t, ok)
	assert.Empty(t, got)

	fill(rb, 1, 8)

	got, ok = rb.Since(5)
	require.True(t, ok)
	assert.Equal(t, []string{"6", "7", "8"}, seqs(got))

	got, ok = rb.Since(3)
	require.True(t, ok, "seq 4 is still buffered")
	assert.Len(t, got, 5)

	_, ok = rb.Since(2)
	assert.False(t, ok, "seq 3 was overwritten")

	got, ok = rb.Since(8)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestReplayBuffer_CopiesData(t *testing.T) {
	rb := NewReplayBuffer(2)
	data := []byte("abc")
	rb.Push(1, data)
	data[0] = 'x'
	assert.Equal(t, []string{"abc"}, seqs(rb.Range(1, 1)))
}
