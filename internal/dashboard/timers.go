package dashboard

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerID identifies an armed timer.
type TimerID int

// Timers arms repeating timers. Cancel must stop future firings; a firing
// already under way may still run its function.
type Timers interface {
	Every(interval time.Duration, fn func()) (TimerID, error)
	Cancel(id TimerID)
	Stop()
}

// CronTimers runs widget timers on a robfig/cron scheduler.
type CronTimers struct {
	c *cron.Cron
}

// NewCronTimers starts a cron scheduler for widget timers.
func NewCronTimers() *CronTimers {
	c := cron.New()
	c.Start()
	return &CronTimers{c: c}
}

// Every arms fn at a fixed interval. Intervals are rounded to whole seconds
// with a one second minimum.
func (t *CronTimers) Every(interval time.Duration, fn func()) (TimerID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("dashboard: timer interval must be positive, got %s", interval)
	}
	id := t.c.Schedule(cron.Every(interval), cron.FuncJob(fn))
	return TimerID(id), nil
}

// Cancel removes a timer.
func (t *CronTimers) Cancel(id TimerID) {
	t.c.Remove(cron.EntryID(id))
}

// Stop halts the scheduler. Running jobs are not waited for.
func (t *CronTimers) Stop() {
	t.c.Stop()
}
