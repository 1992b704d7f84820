package calc

// MACD is the difference between a fast and a slow EMA, with a signal
// line that is an EMA of the MACD line itself.
type MACD struct {
	fast, slow *EMA
	signal     *EMA
	current    float64
}

// NewMACD creates a MACD(fast, slow, signal), typically (12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
	}
}

func (m *MACD) Name() string { return "MACD" }

func (m *MACD) Update(price float64) {
	m.fast.Update(price)
	m.slow.Update(price)
	if !m.slow.Ready() || !m.fast.Ready() {
		return
	}
	m.current = m.fast.Value() - m.slow.Value()
	m.signal.Update(m.current)
}

// Value returns the MACD line.
func (m *MACD) Value() float64 { return m.current }

// Ready reports whether the MACD line has a value.
func (m *MACD) Ready() bool { return m.slow.Ready() && m.fast.Ready() }

// Signal returns the signal line value.
func (m *MACD) Signal() float64 { return m.signal.Value() }

// SignalReady reports whether the signal line has a value.
func (m *MACD) SignalReady() bool { return m.signal.Ready() }

// Peek returns the MACD line value after a hypothetical close.
func (m *MACD) Peek(price float64) float64 {
	return m.fast.Peek(price) - m.slow.Peek(price)
}

// Reset clears the MACD state for reuse.
func (m *MACD) Reset() {
	m.fast.Reset()
	m.slow.Reset()
	m.signal.Reset()
	m.current = 0
}

// PeekSignal returns the signal line value after a hypothetical close.
func (m *MACD) PeekSignal(price float64) float64 {
	return m.signal.Peek(m.Peek(price))
}
