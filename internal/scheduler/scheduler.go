// Package scheduler runs the engine's periodic maintenance jobs on cron
// expressions with a leading seconds field ("0 0 * * * *" is hourly);
// descriptors such as "@hourly" work too.
package scheduler

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether spec is a usable schedule.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return nil
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	Cron *cron.Cron
}

// New creates a stopped scheduler.
func New() *Scheduler {
	return &Scheduler{Cron: cron.New(cron.WithParser(parser))}
}

// RegisterCacheFlush runs flush on spec. flush returns how many entries it
// removed; onFlush (optional) is told after each run.
func (s *Scheduler) RegisterCacheFlush(spec string, flush func() int, onFlush func(n int)) error {
	_, err := s.Cron.AddFunc(spec, func() {
		n := flush()
		log.Printf("[scheduler] indicator cache flushed (%d entries)", n)
		if onFlush != nil {
			onFlush(n)
		}
	})
	if err != nil {
		return fmt.Errorf("register cache flush %q: %w", spec, err)
	}
	return nil
}

// Start runs the registered jobs in the background.
func (s *Scheduler) Start() { s.Cron.Start() }

// Stop stops scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int { return len(s.Cron.Entries()) }
