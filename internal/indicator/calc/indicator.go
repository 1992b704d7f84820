// Package calc computes indicator series locally from bar closes.
//
// The streaming indicators (SMA, EMA, RSI, MACD) take one close per Update
// and are O(1) per step. Compute runs one over a whole bar series and
// produces the same shape the Market Data Service returns, so the engine
// can use either interchangeably.
package calc

// Indicator is a streaming indicator over close prices.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA", "EMA").
	Name() string

	// Update feeds the next close.
	Update(price float64)

	// Value returns the current value. 0 until Ready.
	Value() float64

	// Ready reports whether enough closes have been seen.
	Ready() bool

	// Peek returns what Value would be after Update(price), without
	// mutating state. Used for the still-forming bar.
	Peek(price float64) float64

	// Reset clears all state.
	Reset()
}
