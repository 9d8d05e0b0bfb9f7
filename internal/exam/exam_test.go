package exam

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/stage1"
)

type fakeBackend struct {
	mu sync.Mutex

	questions []model.Question
	problems  []model.ProgrammingProblem
	fetchErr  error
	startErr  error
	answerErr error
	trackErr  error

	completeErrs []error
	completes    int

	// gates holds SubmitCode calls for a problem until closed.
	gates   map[model.ID]chan struct{}
	codeErr map[model.ID]error

	answers  []model.Answer
	codeReqs []model.CodeSubmissionRequest
	tracked  []model.ID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		questions: []model.Question{
			{ID: "1", Text: "2+2?", Options: [4]string{"3", "4", "5", "6"}, Marks: 1},
			{ID: "2", Text: "Capital of France?", Options: [4]string{"Paris", "Rome", "Oslo", "Bern"}, Marks: 1},
			{ID: "3", Text: "Binary of 2?", Options: [4]string{"01", "10", "11", "00"}, Marks: 1},
		},
		problems: []model.ProgrammingProblem{
			{ID: "10", Title: "Sum", Description: "Add two numbers", Marks: 10, StarterCode: map[model.Language]string{
				model.LanguagePython: "def solve():\n    pass\n",
				model.LanguageJava:   "class Main {}",
			}},
			{ID: "11", Title: "Reverse", Description: "Reverse a string", Marks: 10, StarterCode: map[model.Language]string{}},
		},
		gates:   make(map[model.ID]chan struct{}),
		codeErr: make(map[model.ID]error),
	}
}

func (f *fakeBackend) gate(id model.ID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[id] = g
	return g
}

func (f *fakeBackend) Start(ctx context.Context) error { return f.startErr }

func (f *fakeBackend) MCQQuestions(ctx context.Context) ([]model.Question, error) {
	return f.questions, f.fetchErr
}

func (f *fakeBackend) ProgrammingProblems(ctx context.Context) ([]model.ProgrammingProblem, error) {
	return f.problems, nil
}

func (f *fakeBackend) SubmitAnswer(ctx context.Context, id model.ID, option string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, model.Answer{QuestionID: id, SelectedOption: option})
	return f.answerErr
}

func (f *fakeBackend) SubmitCode(ctx context.Context, req model.CodeSubmissionRequest) (*model.Evaluation, error) {
	f.mu.Lock()
	g := f.gates[req.ProblemID]
	err := f.codeErr[req.ProblemID]
	f.codeReqs = append(f.codeReqs, req)
	f.mu.Unlock()
	if g != nil {
		<-g
	}
	if err != nil {
		return nil, err
	}
	return &model.Evaluation{Score: 10, Status: "passed", Feedback: "ok " + req.Code}, nil
}

func (f *fakeBackend) TrackTab(ctx context.Context, id model.ID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, id)
	return len(f.tracked), f.trackErr
}

func (f *fakeBackend) Complete(ctx context.Context) (*model.Stage1Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.completes
	f.completes++
	if n < len(f.completeErrs) && f.completeErrs[n] != nil {
		return nil, f.completeErrs[n]
	}
	return &model.Stage1Result{MCQScore: 2, ProgrammingScore: 10, TotalScore: 12, IsQualified: true}, nil
}

func (f *fakeBackend) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

type manualTicker struct {
	c chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               {}

type harness struct {
	t       *testing.T
	m       *Machine
	backend *fakeBackend
	ticks   chan time.Time
	sub     *Subscription
	journal *memJournal
	cancel  context.CancelFunc
}

type memJournal struct {
	mu      sync.Mutex
	entries []model.JournalEntry
}

func (j *memJournal) Record(e model.JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *memJournal) kinds() []model.JournalKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.JournalKind, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Kind)
	}
	return out
}

func newHarness(t *testing.T, backend *fakeBackend, duration int) *harness {
	t.Helper()
	ticks := make(chan time.Time)
	journal := &memJournal{}
	m, err := NewMachine(backend, Options{
		DurationSeconds:    duration,
		TimeWarningSeconds: 300,
		NewTicker:          func(time.Duration) Ticker { return &manualTicker{c: ticks} },
		Journal:            journal,
		CandidateID:        7,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, m: m, backend: backend, ticks: ticks, sub: m.Subscribe(4096), journal: journal, cancel: cancel}
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	return h
}

// started returns a harness already on the exam screen.
func started(t *testing.T, backend *fakeBackend, duration int) *harness {
	h := newHarness(t, backend, duration)
	require.NoError(t, h.m.Start())
	waitFor[ExamLoaded](t, h.sub)
	return h
}

func waitFor[T Intent](t *testing.T, sub *Subscription) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case in, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if v, match := in.(T); match {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitUntil[T Intent](t *testing.T, sub *Subscription, match func(T) bool) T {
	t.Helper()
	for {
		if v := waitFor[T](t, sub); match(v) {
			return v
		}
	}
}

func (h *harness) state() State {
	h.t.Helper()
	st, err := h.m.Snapshot()
	require.NoError(h.t, err)
	return st
}

func TestTimer_ExpiresExactlyOnce(t *testing.T) {
	for _, d := range []int{1, 2, 7, 600} {
		timer := NewTimer()
		require.NoError(t, timer.Start(d))

		expiries := 0
		for i := 0; i < d; i++ {
			ev := timer.Tick()
			assert.True(t, ev.Ticked)
			assert.Equal(t, d-i-1, ev.Remaining)
			if ev.Expired {
				expiries++
			}
		}
		assert.Equal(t, 1, expiries, "duration %d", d)
		assert.Equal(t, model.TimerState{RemainingSeconds: 0, Expired: true}, timer.State())

		for i := 0; i < 5; i++ {
			ev := timer.Tick()
			assert.False(t, ev.Ticked)
			assert.False(t, ev.Expired)
		}
		assert.Equal(t, 0, timer.State().RemainingSeconds)
	}
}

func TestTimer_StopSuppressesExpiry(t *testing.T) {
	timer := NewTimer()
	require.NoError(t, timer.Start(2))
	timer.Tick()
	timer.Stop()

	ev := timer.Tick()
	assert.False(t, ev.Ticked)
	assert.False(t, ev.Expired)
	assert.Equal(t, model.TimerState{RemainingSeconds: 1}, timer.State())
}

func TestTimer_RejectsNonPositiveDuration(t *testing.T) {
	assert.ErrorIs(t, NewTimer().Start(0), ErrInvalidDuration)
	assert.ErrorIs(t, NewTimer().Start(-5), ErrInvalidDuration)
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:10:00", FormatClock(600))
	assert.Equal(t, "01:01:01", FormatClock(3661))
	assert.Equal(t, "00:00:00", FormatClock(-3))
}

func TestAnswerBuffer_SetAnswerIdempotent(t *testing.T) {
	once := NewAnswerBuffer()
	require.NoError(t, once.SetAnswer("q", "A"))

	twice := NewAnswerBuffer()
	require.NoError(t, twice.SetAnswer("q", "A"))
	require.NoError(t, twice.SetAnswer("q", "A"))

	assert.Equal(t, once.Answers(), twice.Answers())
	assert.Equal(t, 1, twice.AnsweredCount())
}

func TestAnswerBuffer_BlankIsStored(t *testing.T) {
	b := NewAnswerBuffer()
	require.NoError(t, b.SetAnswer("q", ""))

	opt, ok := b.Answer("q")
	assert.True(t, ok)
	assert.Equal(t, "", opt)

	_, ok = b.Answer("other")
	assert.False(t, ok)
}

func TestAnswerBuffer_FrozenRejectsWrites(t *testing.T) {
	b := NewAnswerBuffer()
	require.NoError(t, b.SetCodeSubmission("p", "print(1)", model.LanguagePython))
	b.Freeze()

	assert.ErrorIs(t, b.SetAnswer("q", "A"), ErrBufferFrozen)
	assert.ErrorIs(t, b.SetCodeSubmission("p", "x", model.LanguagePython), ErrBufferFrozen)
	assert.ErrorIs(t, b.RecordEvaluation("p", "x", model.LanguagePython, model.Evaluation{}), ErrBufferFrozen)

	s, _ := b.Submission("p")
	assert.Equal(t, "print(1)", s.Code)
	assert.Equal(t, model.ResultPending, s.State)
}

func TestIntegrityMonitor_CountsRisingEdgesOnly(t *testing.T) {
	m := NewIntegrityMonitor()
	m.Arm()
	scope := Scope{Section: model.SectionProgramming, ProblemID: "10"}

	_, ok := m.Observe(model.SignalFullscreen, true, scope)
	assert.True(t, ok)
	_, ok = m.Observe(model.SignalFullscreen, true, scope)
	assert.False(t, ok, "repeated violating level is not a new edge")
	_, ok = m.Observe(model.SignalFullscreen, false, scope)
	assert.False(t, ok)
	ev, ok := m.Observe(model.SignalFullscreen, true, scope)
	assert.True(t, ok)
	assert.Equal(t, 2, ev.CountAtEmission)
	assert.Equal(t, model.ID("10"), ev.ProblemID)
}

func TestIntegrityMonitor_Monotonic(t *testing.T) {
	m := NewIntegrityMonitor()
	m.Arm()
	signals := []model.Signal{model.SignalVisibility, model.SignalFullscreen}
	sections := []model.Section{model.SectionMCQ, model.SectionProgramming}

	prev := 0
	for i := 0; i < 200; i++ {
		if i == 120 {
			m.Disarm()
		}
		sig := signals[(i*7)%2]
		scope := Scope{Section: sections[(i/3)%2], ProblemID: "10"}
		m.Observe(sig, (i*13)%3 != 0, scope)
		require.GreaterOrEqual(t, m.Count(), prev)
		prev = m.Count()
	}
	assert.Positive(t, prev)
}

func TestIntegrityMonitor_IgnoresMCQAndDisarmed(t *testing.T) {
	m := NewIntegrityMonitor()
	_, ok := m.Observe(model.SignalVisibility, true, Scope{Section: model.SectionProgramming, ProblemID: "10"})
	assert.False(t, ok, "disarmed")
	m.Observe(model.SignalVisibility, false, Scope{})

	m.Arm()
	_, ok = m.Observe(model.SignalVisibility, true, Scope{Section: model.SectionMCQ, ProblemID: "10"})
	assert.False(t, ok, "mcq edges are not counted")
	assert.True(t, m.Violating(model.SignalVisibility), "level still tracked")

	_, ok = m.Observe(model.SignalVisibility, true, Scope{Section: model.SectionProgramming, ProblemID: "10"})
	assert.False(t, ok, "still hidden, no new edge")
	assert.Zero(t, m.Count())
}

func TestMachine_StartLoadsExam(t *testing.T) {
	h := newHarness(t, newFakeBackend(), 600)

	require.NoError(t, h.m.Start())
	waitFor[FullscreenRequested](t, h.sub)
	loaded := waitFor[ExamLoaded](t, h.sub)
	assert.Len(t, loaded.Questions, 3)
	assert.Len(t, loaded.Problems, 2)

	shown := waitFor[QuestionShown](t, h.sub)
	assert.Equal(t, model.ID("1"), shown.Question.ID)
	assert.False(t, shown.Answered)

	st := h.state()
	assert.Equal(t, model.ScreenExam, st.Session.Screen)
	assert.Equal(t, model.SectionMCQ, st.Session.Section)
	assert.Equal(t, 600, st.Timer.RemainingSeconds)
	assert.ErrorIs(t, h.m.Start(), ErrAlreadyStarted)
	assert.Contains(t, h.journal.kinds(), model.JournalStarted)
}

func TestMachine_StartFailsOnMalformedPaper(t *testing.T) {
	backend := newFakeBackend()
	backend.questions = nil
	h := newHarness(t, backend, 600)

	require.NoError(t, h.m.Start())
	failed := waitFor[StartFailed](t, h.sub)
	assert.Contains(t, failed.Reason, "no MCQ questions")

	st := h.state()
	assert.Equal(t, model.ScreenInstructions, st.Session.Screen)
	assert.ErrorIs(t, h.m.SetAnswer("1", "A"), ErrNotInExam)

	backend.questions = newFakeBackend().questions
	require.NoError(t, h.m.Start(), "candidate may retry")
	waitFor[ExamLoaded](t, h.sub)
}

func TestMachine_StartMarkFailureIsSoft(t *testing.T) {
	backend := newFakeBackend()
	backend.startErr = &stage1.APIError{Op: "start", Status: http.StatusBadGateway, Detail: "upstream down"}
	h := newHarness(t, backend, 600)

	require.NoError(t, h.m.Start())
	w := waitFor[Warning](t, h.sub)
	assert.Equal(t, WarnStartNotRecorded, w.Code)
	assert.Equal(t, model.ScreenExam, h.state().Session.Screen)
}

func TestMachine_AnswerPersistsAcrossNavigation(t *testing.T) {
	h := started(t, newFakeBackend(), 600)

	require.NoError(t, h.m.SetAnswer("1", "B"))
	require.NoError(t, h.m.NextQuestion())
	waitUntil(t, h.sub, func(q QuestionShown) bool { return q.Question.ID == "2" })
	require.NoError(t, h.m.PreviousQuestion())
	shown := waitFor[QuestionShown](t, h.sub)
	assert.Equal(t, model.ID("1"), shown.Question.ID)
	assert.Equal(t, "B", shown.Selected)

	opt, ok := h.state().Answers["1"]
	assert.True(t, ok)
	assert.Equal(t, "B", opt)
}

func TestMachine_SetAnswerTwiceSendsOnce(t *testing.T) {
	backend := newFakeBackend()
	h := started(t, backend, 600)

	require.NoError(t, h.m.SetAnswer("1", "A"))
	require.NoError(t, h.m.SetAnswer("1", "A"))
	require.Eventually(t, func() bool { return backend.answerCount() == 1 }, time.Second, 5*time.Millisecond)

	st := h.state()
	assert.Equal(t, map[model.ID]string{"1": "A"}, st.Answers)
	assert.ErrorIs(t, h.m.SetAnswer("1", "E"), ErrInvalidOption)
	assert.ErrorIs(t, h.m.SetAnswer("99", "A"), ErrUnknownQuestion)
}

func TestMachine_AnswerSubmitFailureKeepsLocalAnswer(t *testing.T) {
	backend := newFakeBackend()
	backend.answerErr = &stage1.APIError{Op: "submit_answer", Status: http.StatusServiceUnavailable}
	h := started(t, backend, 600)

	require.NoError(t, h.m.SetAnswer("2", "C"))
	w := waitFor[Warning](t, h.sub)
	assert.Equal(t, WarnAnswerNotSaved, w.Code)
	assert.Equal(t, "C", h.state().Answers["2"])
	assert.Equal(t, 1, backend.answerCount(), "no retry")
}

func TestMachine_FailedAnswerResentOnSaveAndNext(t *testing.T) {
	backend := newFakeBackend()
	backend.answerErr = &stage1.APIError{Op: "submit_answer", Status: http.StatusBadGateway}
	h := started(t, backend, 600)

	require.NoError(t, h.m.SetAnswer("1", "B"))
	w := waitFor[Warning](t, h.sub)
	assert.Equal(t, WarnAnswerNotSaved, w.Code)

	backend.mu.Lock()
	backend.answerErr = nil
	backend.mu.Unlock()

	// Picking the same option again and moving on sends it once more.
	require.NoError(t, h.m.SetAnswer("1", "B"))
	assert.Eventually(t, func() bool { return backend.answerCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.m.NextQuestion())
	waitUntil(t, h.sub, func(q QuestionShown) bool { return q.Index == 1 })

	// Once saved, neither action sends it again.
	require.NoError(t, h.m.PreviousQuestion())
	require.NoError(t, h.m.SetAnswer("1", "B"))
	require.NoError(t, h.m.NextQuestion())
	h.state()
	assert.Equal(t, 2, backend.answerCount())
}

func TestMachine_NextQuestionResendsFailedAnswer(t *testing.T) {
	backend := newFakeBackend()
	backend.answerErr = &stage1.APIError{Op: "submit_answer", Status: http.StatusServiceUnavailable}
	h := started(t, backend, 600)

	require.NoError(t, h.m.SetAnswer("1", "A"))
	waitFor[Warning](t, h.sub)

	backend.mu.Lock()
	backend.answerErr = nil
	backend.mu.Unlock()

	require.NoError(t, h.m.NextQuestion())
	assert.Eventually(t, func() bool { return backend.answerCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A", h.state().Answers["1"])
}

func TestMachine_NextOnLastQuestionAdvancesSection(t *testing.T) {
	h := started(t, newFakeBackend(), 600)

	require.NoError(t, h.m.SelectQuestion("3"))
	require.NoError(t, h.m.NextQuestion())
	waitUntil(t, h.sub, func(c SectionChanged) bool { return c.Section == model.SectionProgramming })

	reset := waitFor[EditorReset](t, h.sub)
	assert.Equal(t, model.ID("10"), reset.ProblemID)
	assert.Equal(t, model.LanguagePython, reset.Language)
	assert.Equal(t, "def solve():\n    pass\n", reset.Code)
	assert.ErrorIs(t, h.m.NextQuestion(), ErrWrongSection)
}

func TestMachine_DraftsPerProblemAndLanguage(t *testing.T) {
	h := started(t, newFakeBackend(), 600)
	require.NoError(t, h.m.AdvanceSection())

	require.NoError(t, h.m.EditCode("print(1)"))
	require.NoError(t, h.m.SelectLanguage(model.LanguageJava))
	reset := waitUntil(t, h.sub, func(r EditorReset) bool { return r.Language == model.LanguageJava })
	assert.Equal(t, "class Main {}", reset.Code)

	require.NoError(t, h.m.SelectLanguage(model.LanguagePython))
	reset = waitFor[EditorReset](t, h.sub)
	assert.Equal(t, "print(1)", reset.Code)

	require.NoError(t, h.m.SelectProblem("11"))
	reset = waitFor[EditorReset](t, h.sub)
	assert.Equal(t, "", reset.Code)

	require.NoError(t, h.m.SelectSection(model.SectionMCQ))
	require.NoError(t, h.m.SelectSection(model.SectionProgramming))
	require.NoError(t, h.m.SelectProblem("10"))
	reset = waitUntil(t, h.sub, func(r EditorReset) bool { return r.ProblemID == "10" })
	assert.Equal(t, "print(1)", reset.Code)
	assert.ErrorIs(t, h.m.SelectLanguage("rust"), model.ErrUnsupportedLanguage)
}

func TestMachine_LateCodeResultKeyedByProblem(t *testing.T) {
	backend := newFakeBackend()
	gate := backend.gate("10")
	h := started(t, backend, 600)
	require.NoError(t, h.m.AdvanceSection())

	require.NoError(t, h.m.EditCode("print(sum)"))
	require.NoError(t, h.m.SubmitCode())
	assert.ErrorIs(t, h.m.SubmitCode(), ErrSubmitInFlight)

	require.NoError(t, h.m.SelectProblem("11"))
	require.NoError(t, h.m.EditCode("print(rev)"))

	close(gate)
	evaluated := waitFor[CodeEvaluated](t, h.sub)
	assert.Equal(t, model.ID("10"), evaluated.ProblemID)

	st := h.state()
	p := st.Submissions["10"]
	assert.Equal(t, model.ResultEvaluated, p.State)
	assert.Equal(t, "print(sum)", p.Code)
	assert.Equal(t, "ok print(sum)", p.Evaluation.Feedback)
	_, touched := st.Submissions["11"]
	assert.False(t, touched)
	assert.Equal(t, 1, st.ProblemIndex)
}

func TestMachine_CodeSubmitFailureKeepsPriorResult(t *testing.T) {
	backend := newFakeBackend()
	h := started(t, backend, 600)
	require.NoError(t, h.m.AdvanceSection())

	require.NoError(t, h.m.EditCode("v1"))
	require.NoError(t, h.m.SubmitCode())
	waitFor[CodeEvaluated](t, h.sub)

	backend.mu.Lock()
	backend.codeErr["10"] = &stage1.APIError{Op: "submit_code", Status: http.StatusInternalServerError, Detail: "grader down"}
	backend.mu.Unlock()

	require.NoError(t, h.m.EditCode("v2"))
	require.NoError(t, h.m.SubmitCode())
	failed := waitFor[CodeSubmitFailed](t, h.sub)
	assert.True(t, failed.Retryable)
	assert.Equal(t, "grader down", failed.Reason)

	s := h.state().Submissions["10"]
	assert.Equal(t, "v1", s.Code)
	assert.True(t, s.Evaluated())
}

func TestMachine_BlankCodeRejected(t *testing.T) {
	backend := newFakeBackend()
	h := started(t, backend, 600)
	require.NoError(t, h.m.AdvanceSection())
	require.NoError(t, h.m.EditCode("  \n\t"))

	assert.ErrorIs(t, h.m.SubmitCode(), ErrBlankCode)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Empty(t, backend.codeReqs)
}

func TestMachine_ViolationClearViolationCountsTwo(t *testing.T) {
	backend := newFakeBackend()
	h := started(t, backend, 600)
	require.NoError(t, h.m.AdvanceSection())

	require.NoError(t, h.m.ObserveSignal(model.SignalFullscreen, true))
	require.NoError(t, h.m.ObserveSignal(model.SignalFullscreen, false))
	require.NoError(t, h.m.ObserveSignal(model.SignalFullscreen, true))

	first := waitFor[ViolationRecorded](t, h.sub)
	second := waitFor[ViolationRecorded](t, h.sub)
	assert.Equal(t, 1, first.Event.CountAtEmission)
	assert.Equal(t, 2, second.Event.CountAtEmission)
	assert.Equal(t, 3, second.BannerSeconds)
	assert.Equal(t, 2, h.state().Violations)

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.tracked) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMachine_ViolationReportFailureStillCounts(t *testing.T) {
	backend := newFakeBackend()
	backend.trackErr = &stage1.APIError{Op: "track_tab", Status: http.StatusBadGateway}
	h := started(t, backend, 600)
	require.NoError(t, h.m.AdvanceSection())

	require.NoError(t, h.m.ObserveSignal(model.SignalVisibility, true))
	w := waitFor[Warning](t, h.sub)
	assert.Equal(t, WarnViolationNotSent, w.Code)
	assert.Equal(t, 1, h.state().Violations)
}

func TestMachine_MCQViolationsNotCounted(t *testing.T) {
	h := started(t, newFakeBackend(), 600)

	require.NoError(t, h.m.ObserveSignal(model.SignalVisibility, true))
	require.NoError(t, h.m.ObserveSignal(model.SignalVisibility, false))
	assert.Zero(t, h.state().Violations)
	assert.ErrorIs(t, h.m.ObserveSignal("battery", true), ErrUnknownSignal)
}

func TestMachine_FullscreenDeniedIsNotFatal(t *testing.T) {
	h := started(t, newFakeBackend(), 600)
	require.NoError(t, h.m.AdvanceSection())

	require.NoError(t, h.m.FullscreenDenied("NotAllowedError"))
	w := waitFor[Warning](t, h.sub)
	assert.Equal(t, WarnFullscreenDenied, w.Code)

	require.NoError(t, h.m.ObserveSignal(model.SignalFullscreen, false))
	assert.Zero(t, h.state().Violations)
	assert.Equal(t, model.ScreenExam, h.state().Session.Screen)
}

func TestMachine_ExpiryFinalizesWithoutConfirm(t *testing.T) {
	backend := newFakeBackend()
	h := started(t, backend, 600)
	require.NoError(t, h.m.SetAnswer("1", "A"))

	for i := 0; i < 600; i++ {
		h.ticks <- time.Now()
	}
	finished := waitFor[ExamFinished](t, h.sub)
	assert.Equal(t, model.FinishExpired, finished.Summary.Reason)
	assert.Equal(t, 1, finished.Summary.MCQAttempted)
	waitFor[FinalizeAcknowledged](t, h.sub)

	st := h.state()
	assert.Equal(t, model.ScreenResults, st.Session.Screen)
	assert.True(t, st.Timer.Expired)
	assert.Equal(t, 0, st.Timer.RemainingSeconds)
	assert.NotNil(t, st.Result)
	assert.ErrorIs(t, h.m.SetAnswer("1", "B"), ErrSessionClosed)
	assert.Contains(t, h.journal.kinds(), model.JournalTimeExpired)
}

func TestMachine_TimeWarningFiresOnce(t *testing.T) {
	h := started(t, newFakeBackend(), 302)

	for i := 0; i < 4; i++ {
		h.ticks <- time.Now()
	}
	w := waitFor[TimeWarning](t, h.sub)
	assert.Equal(t, 300, w.Remaining)

	h.ticks <- time.Now()
	ticked := waitUntil(t, h.sub, func(tt TimerTicked) bool { return tt.Remaining == 297 })
	assert.Equal(t, "00:04:57", ticked.Clock)
}

func TestMachine_ManualSubmitRequiresConfirmation(t *testing.T) {
	h := started(t, newFakeBackend(), 600)

	assert.ErrorIs(t, h.m.Submit(false), ErrConfirmationRequired)
	confirm := waitFor[ConfirmationRequired](t, h.sub)
	assert.Equal(t, 3, confirm.TotalQuestions)
	assert.Equal(t, model.ScreenExam, h.state().Session.Screen)

	require.NoError(t, h.m.Submit(true))
	assert.Equal(t, model.ScreenResults, h.state().Session.Screen)
	waitFor[EditsDisabled](t, h.sub)
	waitFor[FullscreenExitRequested](t, h.sub)
	assert.ErrorIs(t, h.m.Submit(true), ErrSessionClosed)
}

func TestMachine_FinalizeFailureStillReachesResults(t *testing.T) {
	backend := newFakeBackend()
	backend.completeErrs = []error{&stage1.APIError{Op: "complete", Status: http.StatusServiceUnavailable, Detail: "backend unavailable"}}
	h := started(t, backend, 600)

	require.NoError(t, h.m.Submit(true))
	failed := waitFor[FinalizeFailed](t, h.sub)
	assert.Equal(t, "backend unavailable", failed.Reason)
	assert.True(t, failed.Retryable)

	st := h.state()
	assert.Equal(t, model.ScreenResults, st.Session.Screen)
	assert.Nil(t, st.Result)

	require.NoError(t, h.m.RetryFinalize())
	ack := waitFor[FinalizeAcknowledged](t, h.sub)
	assert.True(t, ack.Result.IsQualified)
	assert.ErrorIs(t, h.m.RetryFinalize(), ErrAlreadyFinalized)
	assert.Contains(t, h.journal.kinds(), model.JournalFinalizeFailed)
	assert.Contains(t, h.journal.kinds(), model.JournalFinalized)
}

func TestMachine_RejectedFinalizeIsNotRetryable(t *testing.T) {
	backend := newFakeBackend()
	backend.completeErrs = []error{&stage1.APIError{Op: "complete", Status: http.StatusBadRequest, Detail: "You have already completed Stage 1"}}
	h := started(t, backend, 600)

	require.NoError(t, h.m.Submit(true))
	failed := waitFor[FinalizeFailed](t, h.sub)
	assert.Equal(t, "You have already completed Stage 1", failed.Reason)
	assert.False(t, failed.Retryable)
	assert.Equal(t, model.ScreenResults, h.state().Session.Screen)
}

func TestMachine_LateResultAfterFinishIsDropped(t *testing.T) {
	backend := newFakeBackend()
	gate := backend.gate("10")
	h := started(t, backend, 600)
	require.NoError(t, h.m.AdvanceSection())
	require.NoError(t, h.m.EditCode("print(1)"))
	require.NoError(t, h.m.SubmitCode())

	require.NoError(t, h.m.Submit(true))
	close(gate)
	w := waitFor[Warning](t, h.sub)
	assert.Equal(t, WarnLateResult, w.Code)

	s := h.state().Submissions["10"]
	assert.Equal(t, model.ResultPending, s.State)
}

func TestMachine_TeardownClosesSubscriptions(t *testing.T) {
	m, err := NewMachine(newFakeBackend(), Options{DurationSeconds: 10}, zerolog.Nop())
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	cancel()

	require.NoError(t, <-errc)
	_, open := <-sub.C()
	assert.False(t, open)
	assert.ErrorIs(t, m.Start(), ErrMachineStopped)

	late := m.Subscribe(1)
	_, open = <-late.C()
	assert.False(t, open)
	assert.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewMachine_DefaultsTimeWarning(t *testing.T) {
	m, err := NewMachine(newFakeBackend(), Options{DurationSeconds: 600}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().TimeWarningSeconds, m.opts.TimeWarningSeconds)

	m, err = NewMachine(newFakeBackend(), Options{DurationSeconds: 600, TimeWarningSeconds: -1}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, -1, m.opts.TimeWarningSeconds)
}

func TestNewMachine_RejectsNegativeDuration(t *testing.T) {
	_, err := NewMachine(newFakeBackend(), Options{DurationSeconds: -1}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidDuration)
}
