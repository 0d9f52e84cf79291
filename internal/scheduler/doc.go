// Package scheduler runs named callbacks on periodic, cron or single-fire
// triggers with external wake-up.
//
// Each task owns one goroutine that waits on its natural timer or on a
// signal, then runs the callback on a bounded worker pool. A task never
// runs concurrently with itself: the next wait is only registered after
// the callback returns, and signals that arrive during a run collapse
// into a single follow-up run.
//
// Callback errors and panics are reported as ExceptionEvents and never
// stop the task.
//
// Usage:
//
//	s := scheduler.New(scheduler.Options{MaxWorkers: 4})
//	defer s.Close(context.Background())
//
//	trigger, err := scheduler.ParseTrigger("30s")
//	if err != nil {
//	    return err
//	}
//	task := s.Schedule("poll:tenant-a", poll, trigger)
//	task.Signal() // run now, without waiting for the timer
package scheduler
