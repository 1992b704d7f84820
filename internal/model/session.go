package model

// SessionState is the lifecycle state of the current session.
type SessionState int

const (
	StateIdle           SessionState = iota // created, nothing requested yet
	StateLoading                            // historical snapshot in flight
	StateLive                               // snapshot applied, live feed attached
	StateError                              // historical load failed
	StateHistoricalOnly                     // snapshot applied, live feed unavailable
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateHistoricalOnly:
		return "historical_only"
	default:
		return "unknown"
	}
}

// Session identifies what is currently being looked at.
// A new Session (with a new Token) replaces the old one on every
// instrument or timeframe change; sessions are never retargeted in place.
type Session struct {
	Instrument string       `json:"instrument"`
	Timeframe  Timeframe    `json:"timeframe"`
	Token      uint64       `json:"token"`
	State      SessionState `json:"state"`
}

// InstrumentInfo is the optional metadata returned with a historical snapshot.
type InstrumentInfo struct {
	Symbol        string  `json:"symbol"`
	DisplayName   string  `json:"company_name"`
	Exchange      string  `json:"exchange"`
	Currency      string  `json:"currency"`
	LastPrice     float64 `json:"current_price"`
	Change        float64 `json:"price_change"`
	ChangePercent float64 `json:"percent_change"`
}
