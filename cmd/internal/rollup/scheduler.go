package rollup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qmuntal/stateless"

	"chatlog/cmd/internal/ids"
	"chatlog/cmd/internal/metrics"
)

// Scheduler states.
const (
	StateIdle      = "idle"
	StateWaiting   = "waiting"
	StateExporting = "exporting"
)

// Triggers that move the scheduler between states.
const (
	TriggerMidnight = "midnight"
	TriggerManual   = "manual"
	triggerWait     = "wait"
	triggerFinished = "finished"
)

// DayExporter exports one calendar day.
type DayExporter interface {
	ExportDay(ctx context.Context, day time.Time) (Report, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Exporter DayExporter
	Location *time.Location
	Logger   *slog.Logger

	// Now and After replace the wall clock in tests.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time

	// OnRun observes every finished run.
	OnRun func(Run)
}

// Run describes one finished export attempt.
type Run struct {
	ID      string
	Trigger string
	Day     time.Time
	Report  Report
	Err     error
}

// Scheduler waits for local midnight or a manual trigger, whichever comes first, then exports the day on which
// the wait began. A started export is never interrupted; triggers that arrive meanwhile are dropped.
type Scheduler struct {
	exp     DayExporter
	loc     *time.Location
	log     *slog.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
	onRun   func(Run)
	trigger chan struct{}
	fsm     *stateless.StateMachine
}

// NewScheduler validates cfg and builds a Scheduler in the idle state.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Exporter == nil {
		return nil, errors.New("rollup: nil exporter")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}

	s := &Scheduler{
		exp:     cfg.Exporter,
		loc:     cfg.Location,
		log:     cfg.Logger,
		now:     cfg.Now,
		after:   cfg.After,
		onRun:   cfg.OnRun,
		trigger: make(chan struct{}, 1),
	}

	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(triggerWait, StateWaiting)
	fsm.Configure(StateWaiting).
		Permit(TriggerMidnight, StateExporting).
		Permit(TriggerManual, StateExporting)
	fsm.Configure(StateExporting).
		Permit(triggerFinished, StateIdle)
	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		s.log.Debug("rollup.state", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})
	s.fsm = fsm
	return s, nil
}

// State reports the current scheduler state.
func (s *Scheduler) State() string {
	return s.fsm.MustState().(string)
}

// Trigger requests an immediate export. It never blocks; a request made while one is already pending, or while
// an export is running, is dropped.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
		s.log.Info("rollup.trigger.coalesced")
	}
}

// Run loops until ctx is done. Cancellation ends a wait immediately but lets a started export finish.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.fsm.Fire(triggerWait); err != nil {
			return err
		}

		began := s.now()
		wait := NextMidnight(began, s.loc).Sub(began)
		s.log.Info("rollup.wait", "until_midnight", wait.Round(time.Second).String())

		var trig string
		select {
		case <-ctx.Done():
			return nil
		case <-s.after(wait):
			trig = TriggerMidnight
		case <-s.trigger:
			trig = TriggerManual
		}
		if err := s.fsm.Fire(trig); err != nil {
			return err
		}

		s.export(context.WithoutCancel(ctx), trig, began)

		// One trigger per run: anything that arrived during the export is superseded.
		select {
		case <-s.trigger:
			s.log.Info("rollup.trigger.superseded")
		default:
		}
		if err := s.fsm.Fire(triggerFinished); err != nil {
			return err
		}
	}
}

func (s *Scheduler) export(ctx context.Context, trig string, day time.Time) {
	run := Run{ID: ids.NewRunID(s.now()), Trigger: trig, Day: day}
	log := s.log.With("run_id", run.ID, "trigger", trig, "day", day.In(s.loc).Format(dayLayout))
	log.Info("rollup.run.start")

	started := time.Now()
	run.Report, run.Err = s.exp.ExportDay(ctx, day)
	metrics.RollupDuration.Observe(time.Since(started).Seconds())

	if run.Err != nil {
		metrics.RollupRuns.WithLabelValues(trig, "error").Inc()
		// No automatic retry: the next midnight or manual trigger re-runs the whole day.
		log.Error("rollup.run.fail", "err", run.Err)
	} else {
		metrics.RollupRuns.WithLabelValues(trig, "ok").Inc()
		for ch, n := range run.Report.Counts {
			metrics.RollupMessages.WithLabelValues(ch).Add(float64(n))
		}
		log.Info("rollup.run.done", "messages", run.Report.Total(), "files", len(run.Report.Files))
	}
	if s.onRun != nil {
		s.onRun(run)
	}
}

// NextMidnight returns the first local midnight strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	start, _ := DayBounds(t, loc)
	return start.AddDate(0, 0, 1)
}
