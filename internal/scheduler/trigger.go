package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
)

// TriggerKind identifies how a task's natural timer is computed.
type TriggerKind int

const (
	// KindPeriodic fires a fixed interval after the previous run finished.
	KindPeriodic TriggerKind = iota
	// KindCron fires at the next occurrence of a cron expression.
	KindCron
	// KindSingleFire fires once after an optional delay.
	KindSingleFire
)

// String returns a human-readable representation of the kind.
func (k TriggerKind) String() string {
	switch k {
	case KindPeriodic:
		return "periodic"
	case KindCron:
		return "cron"
	case KindSingleFire:
		return "single_fire"
	default:
		return "unknown"
	}
}

// cronParser accepts 5 or 6 field expressions and @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Trigger is the timing policy of a scheduled task.
type Trigger struct {
	kind     TriggerKind
	interval time.Duration
	schedule cron.Schedule
	spec     string
}

// Periodic returns a trigger that fires every interval.
func Periodic(interval time.Duration) Trigger {
	return Trigger{kind: KindPeriodic, interval: interval, spec: interval.String()}
}

// SingleFire returns a trigger that fires once, delay after scheduling.
func SingleFire(delay time.Duration) Trigger {
	if delay < 0 {
		delay = 0
	}
	return Trigger{kind: KindSingleFire, interval: delay, spec: "once:" + delay.String()}
}

// Cron returns a trigger for a cron expression or descriptor such as
// "*/5 * * * *", "0 30 * * * *" or "@hourly".
func Cron(expr string) (Trigger, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Trigger{}, idxerrors.TriggerError(expr, err)
	}
	return Trigger{kind: KindCron, schedule: sched, spec: expr}, nil
}

// ParseTrigger parses a configuration trigger string:
//
//	"5s", "1m30s"       periodic interval (Go duration)
//	"once", "once:10s"  single fire, optionally delayed
//	anything else       cron expression or @descriptor
func ParseTrigger(spec string) (Trigger, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return Trigger{}, idxerrors.TriggerError(spec, fmt.Errorf("empty trigger"))
	}

	if s == "once" {
		return SingleFire(0), nil
	}
	if rest, ok := strings.CutPrefix(s, "once:"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return Trigger{}, idxerrors.TriggerError(spec, err)
		}
		return SingleFire(d), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Trigger{}, idxerrors.TriggerError(spec, fmt.Errorf("interval must be positive"))
		}
		return Periodic(d), nil
	}

	return Cron(s)
}

// Kind returns the trigger kind.
func (t Trigger) Kind() TriggerKind {
	return t.kind
}

// String returns the trigger as it was specified.
func (t Trigger) String() string {
	return t.spec
}

// first returns the initial deadline after scheduling at now.
func (t Trigger) first(now time.Time) (time.Time, bool) {
	if t.kind == KindSingleFire {
		return now.Add(t.interval), true
	}
	return t.after(now)
}

// after returns the natural deadline following a run that ended at now.
// SingleFire triggers never re-register.
func (t Trigger) after(now time.Time) (time.Time, bool) {
	switch t.kind {
	case KindPeriodic:
		if t.interval <= 0 {
			return time.Time{}, false
		}
		return now.Add(t.interval), true
	case KindCron:
		if t.schedule == nil {
			return time.Time{}, false
		}
		next := t.schedule.Next(now)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}
