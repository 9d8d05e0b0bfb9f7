package exam

import (
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrInvalidDuration is returned when a timer is started with a non-positive duration.
var ErrInvalidDuration = errors.New("timer duration must be at least one second")

// TimerEvent is the outcome of one tick.
type TimerEvent struct {
	// Ticked is false when the tick arrived after expiry or Stop and was ignored.
	Ticked    bool
	Remaining int
	// Expired is true only on the tick that reached zero.
	Expired bool
}

// Timer is a whole-second countdown. It is not safe for concurrent use; the
// session loop is its only caller.
type Timer struct {
	remaining int
	started   bool
	expired   bool
	stopped   bool
}

// NewTimer returns an idle timer.
func NewTimer() *Timer { return &Timer{} }

// Start begins a countdown of durationSeconds.
func (t *Timer) Start(durationSeconds int) error {
	if durationSeconds < 1 {
		return ErrInvalidDuration
	}
	*t = Timer{remaining: durationSeconds, started: true}
	return nil
}

// Tick advances the countdown by one second.
func (t *Timer) Tick() TimerEvent {
	if !t.Running() {
		return TimerEvent{Remaining: t.remaining}
	}
	t.remaining--
	ev := TimerEvent{Ticked: true, Remaining: t.remaining}
	if t.remaining == 0 {
		t.expired = true
		ev.Expired = true
	}
	return ev
}

// Stop suppresses all further ticks. An expiry is never reported after Stop.
func (t *Timer) Stop() { t.stopped = true }

// Running reports whether ticks still change state.
func (t *Timer) Running() bool {
	return t.started && !t.expired && !t.stopped
}

// State returns the current countdown.
func (t *Timer) State() model.TimerState {
	return model.TimerState{RemainingSeconds: t.remaining, Expired: t.expired}
}

// FormatClock renders seconds as HH:MM:SS.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// Ticker is a subscription to a periodic tick source. Stop guarantees that
// nothing is delivered on C afterwards that the owner still acts on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewTickerFunc creates a Ticker firing every d.
type NewTickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
