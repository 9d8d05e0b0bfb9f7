package exam

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Intent is a render instruction emitted by the Machine. Rendering layers
// switch on the concrete type; Kind is the stable wire name.
type Intent interface {
	Kind() string
}

type ScreenChanged struct {
	Screen model.Screen `json:"screen"`
}

type SectionChanged struct {
	Section model.Section `json:"section"`
}

// FullscreenRequested asks the host to enter fullscreen. Failure is reported
// back with FullscreenDenied and is never fatal.
type FullscreenRequested struct{}

type FullscreenExitRequested struct{}

// StartFailed means the exam could not start. The session stays on the
// instructions screen and Start may be called again.
type StartFailed struct {
	Reason string `json:"reason"`
}

// ExamLoaded carries the fetched paper once the exam screen is entered.
type ExamLoaded struct {
	Questions       []model.Question           `json:"questions"`
	Problems        []model.ProgrammingProblem `json:"problems"`
	DurationSeconds int                        `json:"duration_seconds"`
}

type QuestionShown struct {
	Index    int            `json:"index"`
	Total    int            `json:"total"`
	Question model.Question `json:"question"`
	Selected string         `json:"selected"`
	Answered bool           `json:"answered"`
	Last     bool           `json:"last"`
}

type AnswerSaved struct {
	QuestionID model.ID `json:"question_id"`
	Option     string   `json:"option"`
	Answered   int      `json:"answered"`
}

type ProblemShown struct {
	Index      int                      `json:"index"`
	Total      int                      `json:"total"`
	Problem    model.ProgrammingProblem `json:"problem"`
	Language   model.Language           `json:"language"`
	Submission *model.CodeSubmission    `json:"submission,omitempty"`
	Locked     bool                     `json:"locked"`
}

// EditorReset tells a mirrored editor to replace its text and mode.
type EditorReset struct {
	ProblemID model.ID       `json:"problem_id"`
	Language  model.Language `json:"language"`
	Code      string         `json:"code"`
}

type TimerTicked struct {
	Remaining int    `json:"remaining"`
	Clock     string `json:"clock"`
}

// TimeWarning fires once when the remaining time drops to the warning threshold.
type TimeWarning struct {
	Remaining int `json:"remaining"`
}

// SubmitLocked toggles a problem's submit affordance.
type SubmitLocked struct {
	ProblemID model.ID `json:"problem_id"`
	Locked    bool     `json:"locked"`
}

type CodeEvaluated struct {
	ProblemID  model.ID         `json:"problem_id"`
	Evaluation model.Evaluation `json:"evaluation"`
}

type CodeSubmitFailed struct {
	ProblemID model.ID `json:"problem_id"`
	Reason    string   `json:"reason"`
	Retryable bool     `json:"retryable"`
}

// ViolationRecorded shows the violation banner for BannerSeconds.
type ViolationRecorded struct {
	Event         model.ViolationEvent `json:"event"`
	BannerSeconds int                  `json:"banner_seconds"`
}

// ViolationAcknowledged carries the backend's own count. It is informational
// and never replaces the local counter.
type ViolationAcknowledged struct {
	ProblemID   model.ID `json:"problem_id"`
	ServerCount int      `json:"server_count"`
}

// Warning is a soft, non-blocking notice.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConfirmationRequired struct {
	Answered       int `json:"answered"`
	TotalQuestions int `json:"total_questions"`
	Submitted      int `json:"submitted"`
	TotalProblems  int `json:"total_problems"`
	Remaining      int `json:"remaining_seconds"`
}

type EditsDisabled struct{}

type ExamFinished struct {
	Summary model.ResultsSummary `json:"summary"`
}

type FinalizeFailed struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type FinalizeAcknowledged struct {
	Result model.Stage1Result `json:"result"`
}

func (ScreenChanged) Kind() string           { return "screen_changed" }
func (SectionChanged) Kind() string          { return "section_changed" }
func (FullscreenRequested) Kind() string     { return "fullscreen_requested" }
func (FullscreenExitRequested) Kind() string { return "fullscreen_exit_requested" }
func (StartFailed) Kind() string             { return "start_failed" }
func (ExamLoaded) Kind() string              { return "exam_loaded" }
func (QuestionShown) Kind() string           { return "question_shown" }
func (AnswerSaved) Kind() string             { return "answer_saved" }
func (ProblemShown) Kind() string            { return "problem_shown" }
func (EditorReset) Kind() string             { return "editor_reset" }
func (TimerTicked) Kind() string             { return "timer_ticked" }
func (TimeWarning) Kind() string             { return "time_warning" }
func (SubmitLocked) Kind() string            { return "submit_locked" }
func (CodeEvaluated) Kind() string           { return "code_evaluated" }
func (CodeSubmitFailed) Kind() string        { return "code_submit_failed" }
func (ViolationRecorded) Kind() string       { return "violation_recorded" }
func (ViolationAcknowledged) Kind() string   { return "violation_acknowledged" }
func (Warning) Kind() string                 { return "warning" }
func (ConfirmationRequired) Kind() string    { return "confirmation_required" }
func (EditsDisabled) Kind() string           { return "edits_disabled" }
func (ExamFinished) Kind() string            { return "exam_finished" }
func (FinalizeFailed) Kind() string          { return "finalize_failed" }
func (FinalizeAcknowledged) Kind() string    { return "finalize_acknowledged" }

// Warning codes.
const (
	WarnAnswerNotSaved   = "ANSWER_NOT_SAVED"
	WarnViolationNotSent = "VIOLATION_NOT_REPORTED"
	WarnStartNotRecorded = "START_NOT_RECORDED"
	WarnFullscreenDenied = "FULLSCREEN_DENIED"
	WarnLateResult       = "LATE_RESULT_DROPPED"
)

// Subscription is a handle on the Machine's intent stream. C is closed when
// the subscription is closed or the Machine tears down.
type Subscription struct {
	c   chan Intent
	reg *registry
}

// C delivers intents in emission order.
func (s *Subscription) C() <-chan Intent { return s.c }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.reg.remove(s) }

type registry struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	done bool
}

func newRegistry() *registry {
	return &registry{subs: make(map[*Subscription]struct{})}
}

func (r *registry) add(buffer int) *Subscription {
	s := &Subscription{c: make(chan Intent, buffer), reg: r}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		close(s.c)
		return s
	}
	r.subs[s] = struct{}{}
	return s
}

func (r *registry) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; ok {
		delete(r.subs, s)
		close(s.c)
	}
}

// publish delivers in to every subscriber without blocking. It returns the
// number of subscribers that were full and missed it.
func (r *registry) publish(in Intent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for s := range r.subs {
		select {
		case s.c <- in:
		default:
			dropped++
		}
	}
	return dropped
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	for s := range r.subs {
		delete(r.subs, s)
		close(s.c)
	}
}
