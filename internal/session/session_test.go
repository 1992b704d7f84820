package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketview/internal/logger"
	"marketview/internal/model"
)

func TestStart_TokensStrictlyIncrease(t *testing.T) {
	m := NewManager()
	assert.Equal(t, uint64(0), m.CurrentToken())
	assert.False(t, m.IsCurrent(0))

	var last uint64
	for i := 0; i < 5; i++ {
		s := m.Start("AAPL", model.TF1D)
		assert.Greater(t, s.Token, last)
		assert.Equal(t, model.StateIdle, s.State)
		last = s.Token
	}
	assert.True(t, m.IsCurrent(last))
	assert.False(t, m.IsCurrent(last-1))
}

func TestLifecycle(t *testing.T) {
	m := NewManager()
	s := m.Start("AAPL", model.TF1D)

	require.NoError(t, m.Transition(s.Token, model.StateLoading))
	require.NoError(t, m.Transition(s.Token, model.StateLive))
	require.NoError(t, m.Transition(s.Token, model.StateHistoricalOnly))
	require.NoError(t, m.Transition(s.Token, model.StateLive))
	require.NoError(t, m.Transition(s.Token, model.StateLive), "same state is a no-op")
	assert.Equal(t, model.StateLive, m.Current().State)

	err := m.Transition(s.Token, model.StateIdle)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StateLive, te.From)
}

func TestLoadingToError(t *testing.T) {
	m := NewManager()
	s := m.Start("AAPL", model.TF1D)
	require.NoError(t, m.Transition(s.Token, model.StateLoading))
	require.NoError(t, m.Transition(s.Token, model.StateError))
	assert.Equal(t, model.StateError, m.Current().State)

	// A new session resets to Idle regardless of the old state.
	s2 := m.Start("AAPL", model.TF1D)
	assert.Equal(t, model.StateIdle, m.Current().State)
	assert.NotEqual(t, s.Token, s2.Token)
}

func TestStaleTransitionIgnored(t *testing.T) {
	m := NewManager()
	aapl := m.Start("AAPL", model.TF1D)
	require.NoError(t, m.Transition(aapl.Token, model.StateLoading))
	msft := m.Start("MSFT", model.TF1D)

	err := m.Transition(aapl.Token, model.StateLive)
	assert.ErrorIs(t, err, ErrStale)
	cur := m.Current()
	assert.Equal(t, "MSFT", cur.Instrument)
	assert.Equal(t, msft.Token, cur.Token)
	assert.Equal(t, model.StateIdle, cur.State)
}

func TestOnChange(t *testing.T) {
	m := NewManager()
	var seen []model.SessionState
	m.OnChange = func(_, to model.Session) { seen = append(seen, to.State) }

	s := m.Start("AAPL", model.TF1D)
	m.Transition(s.Token, model.StateLoading)
	m.Transition(s.Token, model.StateLive)
	assert.Equal(t, []model.SessionState{model.StateIdle, model.StateLoading, model.StateLive}, seen)
}

func TestContextCarriesSession(t *testing.T) {
	m := NewManager()
	m.Start("AAPL", model.TF1W)
	info, ok := logger.Session(m.Context(context.Background()))
	require.True(t, ok)
	assert.Equal(t, "AAPL", info.Instrument)
	assert.Equal(t, "1W", info.Timeframe)
}
