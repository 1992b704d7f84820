package engine

import (
	"context"
	"log"

	"marketview/internal/feed"
	"marketview/internal/marketdata/agg"
	"marketview/internal/model"
)

// FeedAdapter adapts a *feed.Adapter to the Feed interface.
func FeedAdapter(a *feed.Adapter) Feed { return adapterFeed{a} }

type adapterFeed struct{ a *feed.Adapter }

func (f adapterFeed) Subscribe(ctx context.Context, instrument string, tf model.Timeframe, token uint64) (Stream, error) {
	sub, err := f.a.Subscribe(ctx, instrument, tf, token)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (f adapterFeed) Unsubscribe(s Stream) {
	if sub, ok := s.(*feed.Subscription); ok {
		f.a.Unsubscribe(sub)
	}
}

func (e *Engine) handleFeed(ev feed.Event) {
	if !e.sessions.IsCurrent(ev.Token) {
		e.stale("feed", ev.Token)
		return
	}
	switch ev.Kind {
	case feed.EventTick:
		e.applyTick(ev.Tick)
	case feed.EventHistorical:
		e.applyPushSnapshot(ev)
	case feed.EventState:
		e.applyFeedState(ev)
	}
}

func (e *Engine) applyTick(t model.Tick) {
	if t.Session != e.sessions.CurrentToken() {
		e.stale("tick", t.Session)
		return
	}
	if e.hooks.OnTick != nil {
		e.hooks.OnTick(t)
	}
	if !e.loaded {
		return
	}
	wasLive := e.series.Live()
	bar, act := e.series.Apply(t)
	if act == agg.Dropped {
		return
	}
	if !wasLive {
		// The first tick may have superseded the last seeded bar, which the
		// trackers already counted as settled.
		e.rebuildTrackers()
	}
	token := e.sessions.CurrentToken()
	if err := e.sync.UpdateBar(token, bar); err != nil {
		log.Printf("[engine] bar update: %v", err)
	}
	e.extendIndicators(token, bar)
}

// applyPushSnapshot replaces the bars with a "historical" message from the
// push channel. An invalid payload is ignored and the current bars stay.
func (e *Engine) applyPushSnapshot(ev feed.Event) {
	s := e.sessions.Current()
	snap, err := e.deps.Loader.FromPayload(s.Instrument, s.Timeframe, ev.Payload)
	if err != nil {
		log.Printf("[engine] ignoring pushed snapshot: %v", err)
		return
	}
	e.seed(snap)
	e.resync()
	log.Printf("[engine] session %d: snapshot replaced from push channel (%d bars)", s.Token, len(snap.Bars))
}

func (e *Engine) applyFeedState(ev feed.Event) {
	token := ev.Token
	if ev.Connected {
		e.transition(token, model.StateLive)
		return
	}
	e.transition(token, model.StateHistoricalOnly)
	if ev.Err != nil {
		e.reportError(ev.Err)
	}
}
