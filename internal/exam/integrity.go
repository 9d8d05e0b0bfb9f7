package exam

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Scope is where the candidate is when a signal arrives.
type Scope struct {
	Section   model.Section
	ProblemID model.ID
}

// IntegrityMonitor counts transitions of the visibility and fullscreen
// signals into their violating level. It trusts the platform's edge-triggered
// events and adds no debouncing of its own.
//
// Only edges observed while armed and in the programming section are counted.
// MCQ-section edges still move the tracked level so that a later edge is
// measured against the real state.
type IntegrityMonitor struct {
	violating map[model.Signal]bool
	armed     bool
	count     int
	now       func() time.Time
}

// NewIntegrityMonitor returns a disarmed monitor that assumes the page is
// visible and fullscreen is active.
func NewIntegrityMonitor() *IntegrityMonitor {
	return &IntegrityMonitor{
		violating: map[model.Signal]bool{
			model.SignalVisibility: false,
			model.SignalFullscreen: false,
		},
		now: time.Now,
	}
}

// Arm starts counting. Called when the session enters the exam screen.
func (m *IntegrityMonitor) Arm() { m.armed = true }

// Disarm stops counting. The counter keeps its value.
func (m *IntegrityMonitor) Disarm() { m.armed = false }

// Armed reports whether edges may be counted.
func (m *IntegrityMonitor) Armed() bool { return m.armed }

// Observe records the new level of sig. It returns a ViolationEvent when the
// signal moved into its violating level and the move counts in scope.
func (m *IntegrityMonitor) Observe(sig model.Signal, violating bool, scope Scope) (model.ViolationEvent, bool) {
	prev := m.violating[sig]
	m.violating[sig] = violating

	if !violating || prev {
		return model.ViolationEvent{}, false
	}
	if !m.armed || scope.Section != model.SectionProgramming || scope.ProblemID == "" {
		return model.ViolationEvent{}, false
	}

	m.count++
	return model.ViolationEvent{
		ProblemID:       scope.ProblemID,
		CountAtEmission: m.count,
		Signal:          sig,
		At:              m.now(),
	}, true
}

// Force sets the level of sig without counting, e.g. when fullscreen could
// not be obtained in the first place.
func (m *IntegrityMonitor) Force(sig model.Signal, violating bool) {
	m.violating[sig] = violating
}

// Violating reports the last known level of sig.
func (m *IntegrityMonitor) Violating(sig model.Signal) bool { return m.violating[sig] }

// Count is the number of violations counted in this session.
func (m *IntegrityMonitor) Count() int { return m.count }
