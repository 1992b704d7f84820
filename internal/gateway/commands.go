package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"marketview/internal/chart"
	"marketview/internal/engine"
	"marketview/internal/model"
)

// Controller is the part of the engine the gateway drives; *engine.Engine
// implements it.
type Controller interface {
	StartSession(instrument string, tf model.Timeframe) (model.Session, error)
	ToggleIndicator(id string) (bool, error)
	SetChartType(ct chart.ChartType) error
	SetVolume(show bool) error
	ClearCache(instrument string) int
	Reload() error
	View() (engine.View, error)
}

// Command types accepted from websocket clients and the Redis command channel.
const (
	CmdStartSession    = "start_session"
	CmdToggleIndicator = "toggle_indicator"
	CmdSetChartType    = "set_chart_type"
	CmdSetVolume       = "set_volume"
	CmdClearCache      = "clear_cache"
	CmdReload          = "reload"
)

// Command is one client request.
type Command struct {
	Type       string `json:"type"`
	ReqID      string `json:"req_id,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Timeframe  string `json:"timeframe,omitempty"`
	Indicator  string `json:"indicator,omitempty"`
	ChartType  string `json:"chart_type,omitempty"`
	Show       bool   `json:"show,omitempty"`
}

// Reply answers a Command.
type Reply struct {
	Type    string         `json:"type"` // always "reply"
	ReqID   string         `json:"req_id,omitempty"`
	Command string         `json:"command"`
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Session *model.Session `json:"session,omitempty"`
	Active  *bool          `json:"active,omitempty"`
	Cleared *int           `json:"cleared,omitempty"`
}

// DecodeCommand parses a raw command message.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return cmd, nil
}

// Dispatch runs cmd against ctl and builds the reply. It blocks until the
// engine has processed the command.
func Dispatch(ctl Controller, cmd Command) Reply {
	r := Reply{Type: "reply", ReqID: cmd.ReqID, Command: cmd.Type}
	var err error

	switch cmd.Type {
	case CmdStartSession:
		var tf model.Timeframe
		if tf, err = model.ParseTimeframe(cmd.Timeframe); err == nil {
			var s model.Session
			if s, err = ctl.StartSession(cmd.Instrument, tf); err == nil {
				r.Session = &s
			}
		}
	case CmdToggleIndicator:
		var on bool
		if on, err = ctl.ToggleIndicator(cmd.Indicator); err == nil {
			r.Active = &on
		}
	case CmdSetChartType:
		var ct chart.ChartType
		if ct, err = chart.ParseChartType(cmd.ChartType); err == nil {
			err = ctl.SetChartType(ct)
		}
	case CmdSetVolume:
		err = ctl.SetVolume(cmd.Show)
	case CmdClearCache:
		n := ctl.ClearCache(cmd.Instrument)
		r.Cleared = &n
	case CmdReload:
		err = ctl.Reload()
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.OK = true
	return r
}

// timedDispatch is Dispatch with the round trip recorded in lt.
func timedDispatch(ctl Controller, cmd Command, lt *LatencyTracker) Reply {
	start := time.Now()
	r := Dispatch(ctl, cmd)
	if lt != nil {
		lt.Observe(time.Since(start))
	}
	return r
}
