package redis

import "marketview/internal/model"

// Key layout. Instrument symbols are used verbatim.
const (
	SessionKey     = "session:current"
	SessionChannel = "pub:session"
	OpsChannel     = "pub:chart:ops"
	CommandChannel = "cmd:chart"
)

// BarStream is the stream of closed bars for one instrument and timeframe.
func BarStream(instrument string, tf model.Timeframe) string {
	return "bars:" + instrument + ":" + tf.String()
}

// BarLatest holds the most recent closed bar.
func BarLatest(instrument string, tf model.Timeframe) string {
	return "bar:latest:" + instrument + ":" + tf.String()
}

// BarChannel is the pub/sub channel closed bars are published on.
func BarChannel(instrument string, tf model.Timeframe) string {
	return "pub:bar:" + instrument + ":" + tf.String()
}
