package exam

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/stage1"
)

var (
	ErrSessionClosed        = errors.New("session has finished")
	ErrNotInExam            = errors.New("exam has not started")
	ErrNotFinished          = errors.New("session has not finished")
	ErrAlreadyStarting      = errors.New("exam is already starting")
	ErrAlreadyStarted       = errors.New("exam has already started")
	ErrWrongSection         = errors.New("command is not available in this section")
	ErrUnknownQuestion      = errors.New("unknown question or problem")
	ErrInvalidOption        = errors.New("invalid option")
	ErrUnknownSignal        = errors.New("unknown integrity signal")
	ErrBlankCode            = errors.New("code is empty")
	ErrConfirmationRequired = errors.New("submission must be confirmed")
	ErrFinalizeInFlight     = errors.New("completion request is in flight")
	ErrAlreadyFinalized     = errors.New("completion was already acknowledged")
	ErrMachineStopped       = errors.New("session is no longer running")
	ErrAlreadyRunning       = errors.New("session loop is already running")
)

// Journal receives audit entries for the session. Record must not block.
type Journal interface {
	Record(entry model.JournalEntry)
}

type nopJournal struct{}

func (nopJournal) Record(model.JournalEntry) {}

// Options configures a Machine. Zero values fall back to DefaultOptions.
type Options struct {
	DurationSeconds int
	// TimeWarningSeconds is the remaining time at which TimeWarning fires.
	// A negative value disables the warning.
	TimeWarningSeconds int
	// ViolationBannerSeconds is how long the host shows the violation banner.
	ViolationBannerSeconds int

	NewTicker NewTickerFunc
	Editor    Editor
	Journal   Journal

	SessionID   uuid.UUID
	CandidateID int
	Now         func() time.Time
}

// DefaultOptions returns the standard Stage 1 timing.
func DefaultOptions() Options {
	return Options{
		DurationSeconds:        600,
		TimeWarningSeconds:     300,
		ViolationBannerSeconds: 3,
	}
}

// State is a copy of the session as seen by the loop.
type State struct {
	Session       model.Session                     `json:"session"`
	Timer         model.TimerState                  `json:"timer"`
	QuestionIndex int                               `json:"question_index"`
	ProblemIndex  int                               `json:"problem_index"`
	Language      model.Language                    `json:"language"`
	Answers       map[model.ID]string               `json:"answers"`
	Submissions   map[model.ID]model.CodeSubmission `json:"submissions"`
	Violations    int                               `json:"violations"`
	InFlight      []model.ID                        `json:"in_flight"`
	Finalizing    bool                              `json:"finalizing"`
	Result        *model.Stage1Result               `json:"result,omitempty"`
}

type command struct {
	fn    func() error
	reply chan error
}

// Machine is the session state machine. All state is owned by the goroutine
// running Run; every exported command blocks until the loop has applied it.
type Machine struct {
	opts    Options
	log     zerolog.Logger
	journal Journal

	cmds    chan command
	posts   chan func()
	done    chan struct{}
	running atomic.Bool
	subs    *registry

	// Owned by the loop.
	ctx        context.Context
	session    model.Session
	timer      *Timer
	ticker     Ticker
	buffer     *AnswerBuffer
	monitor    *IntegrityMonitor
	pipeline   *Pipeline
	editor     Editor
	drafts     map[draftKey]string
	unsent     map[model.ID]bool
	paper      Paper
	qIndex     int
	pIndex     int
	lang       model.Language
	starting   bool
	warned     bool
	finalizing bool
	reason     model.FinishReason
	result     *model.Stage1Result
}

// NewMachine creates a session on the instructions screen.
func NewMachine(backend Backend, opts Options, log zerolog.Logger) (*Machine, error) {
	def := DefaultOptions()
	if opts.DurationSeconds == 0 {
		opts.DurationSeconds = def.DurationSeconds
	}
	if opts.DurationSeconds < 1 {
		return nil, ErrInvalidDuration
	}
	if opts.TimeWarningSeconds == 0 {
		opts.TimeWarningSeconds = def.TimeWarningSeconds
	}
	if opts.ViolationBannerSeconds == 0 {
		opts.ViolationBannerSeconds = def.ViolationBannerSeconds
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewRealTicker
	}
	if opts.Editor == nil {
		opts.Editor = NewTextBuffer()
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionID == uuid.Nil {
		opts.SessionID = uuid.New()
	}

	m := &Machine{
		opts:    opts,
		journal: opts.Journal,
		log: logger.ForSession(
			log.With().Str("component", "exam_session").Logger(),
			opts.SessionID, opts.CandidateID,
		),
		cmds:  make(chan command),
		posts: make(chan func(), 16),
		done:  make(chan struct{}),
		subs:  newRegistry(),
		session: model.Session{
			ID:              opts.SessionID,
			CandidateID:     opts.CandidateID,
			Screen:          model.ScreenInstructions,
			Section:         model.SectionMCQ,
			DurationSeconds: opts.DurationSeconds,
		},
		timer:   NewTimer(),
		buffer:  NewAnswerBuffer(),
		monitor: NewIntegrityMonitor(),
		editor:  opts.Editor,
		drafts:  make(map[draftKey]string),
		unsent:  make(map[model.ID]bool),
		lang:    model.DefaultLanguage,
	}
	m.monitor.now = opts.Now
	m.pipeline = NewPipeline(backend, m.buffer, m.post, m.log)
	return m, nil
}

// ID returns the session identifier.
func (m *Machine) ID() uuid.UUID { return m.opts.SessionID }

// Subscribe returns a handle receiving every intent emitted from now on.
// A subscriber that falls more than buffer intents behind misses intents.
func (m *Machine) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}
	return m.subs.add(buffer)
}

// Done is closed once the loop has exited and all subscriptions are closed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Run drives the session until ctx is cancelled. It returns nil on
// cancellation. Pending backend calls are not cancelled by navigation, only
// by ctx; completions arriving after Run returns are discarded.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.ctx = ctx
	defer m.teardown()

	for {
		var tick <-chan time.Time
		if m.ticker != nil {
			tick = m.ticker.C()
		}

		select {
		case <-ctx.Done():
			return nil
		case c := <-m.cmds:
			c.reply <- c.fn()
		case fn := <-m.posts:
			fn()
		case <-tick:
			m.onTick()
		}
	}
}

func (m *Machine) teardown() {
	m.stopClock()
	m.monitor.Disarm()
	if m.session.Screen == model.ScreenExam {
		m.log.Warn().Msg("Session abandoned before submission")
	}
	close(m.done)
	m.subs.closeAll()
	m.log.Debug().Msg("Session loop stopped")
}

// do runs fn on the loop and waits for its result.
func (m *Machine) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.cmds <- command{fn: fn, reply: reply}:
	case <-m.done:
		return ErrMachineStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrMachineStopped
		}
	}
}

// post hands a completion back to the loop. Completions arriving after the
// loop exited are dropped.
func (m *Machine) post(fn func()) {
	select {
	case m.posts <- fn:
	case <-m.done:
	}
}

func (m *Machine) emit(in Intent) {
	if dropped := m.subs.publish(in); dropped > 0 {
		m.log.Warn().Str("intent", in.Kind()).Int("subscribers", dropped).Msg("Intent dropped for slow subscriber")
	}
}

func (m *Machine) record(kind model.JournalKind, payload interface{}) {
	entry := model.JournalEntry{
		SessionID:   m.session.ID,
		CandidateID: m.session.CandidateID,
		Kind:        kind,
		RecordedAt:  m.opts.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			m.log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to encode journal payload")
		} else {
			entry.Payload = raw
		}
	}
	m.journal.Record(entry)
}

func (m *Machine) requireExam() error {
	switch m.session.Screen {
	case model.ScreenResults:
		return ErrSessionClosed
	case model.ScreenInstructions:
		return ErrNotInExam
	}
	return nil
}

func (m *Machine) requireSection(sec model.Section) error {
	if err := m.requireExam(); err != nil {
		return err
	}
	if m.session.Section != sec {
		return ErrWrongSection
	}
	return nil
}

func (m *Machine) onPaper(paper Paper, markErr, err error) {
	m.starting = false
	if m.session.Screen != model.ScreenInstructions {
		return
	}
	if err == nil {
		err = m.timer.Start(m.opts.DurationSeconds)
	}
	if err != nil {
		m.log.Error().Err(err).Str("outcome", string(stage1.Classify(err))).Msg("Failed to load exam")
		m.record(model.JournalStartFailed, map[string]string{"reason": stage1.Detail(err)})
		m.emit(StartFailed{Reason: stage1.Detail(err)})
		return
	}
	if markErr != nil {
		m.emit(Warning{Code: WarnStartNotRecorded, Message: stage1.Detail(markErr)})
	}

	m.paper = paper
	m.session.Screen = model.ScreenExam
	m.session.Section = model.SectionMCQ
	m.session.StartedAt = m.opts.Now().UTC()
	m.ticker = m.opts.NewTicker(time.Second)
	m.monitor.Arm()

	m.log.Info().
		Int("questions", len(paper.Questions)).
		Int("problems", len(paper.Problems)).
		Int("duration_seconds", m.opts.DurationSeconds).
		Msg("Exam started")
	m.record(model.JournalStarted, map[string]int{
		"questions":        len(paper.Questions),
		"problems":         len(paper.Problems),
		"duration_seconds": m.opts.DurationSeconds,
	})

	m.emit(ScreenChanged{Screen: model.ScreenExam})
	m.emit(ExamLoaded{Questions: paper.Questions, Problems: paper.Problems, DurationSeconds: m.opts.DurationSeconds})
	m.emit(SectionChanged{Section: model.SectionMCQ})
	m.emit(TimerTicked{Remaining: m.opts.DurationSeconds, Clock: FormatClock(m.opts.DurationSeconds)})
	m.showQuestion()
}

func (m *Machine) onTick() {
	ev := m.timer.Tick()
	if !ev.Ticked {
		return
	}
	m.emit(TimerTicked{Remaining: ev.Remaining, Clock: FormatClock(ev.Remaining)})
	if !m.warned && ev.Remaining > 0 && ev.Remaining <= m.opts.TimeWarningSeconds {
		m.warned = true
		m.emit(TimeWarning{Remaining: ev.Remaining})
	}
	if ev.Expired {
		m.log.Info().Msg("Exam time expired")
		m.record(model.JournalTimeExpired, nil)
		m.finish(model.FinishExpired)
	}
}

func (m *Machine) stopClock() {
	m.timer.Stop()
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

// finish moves the session to the results screen and sends the completion
// request. Local state reaches results whatever the backend answers.
func (m *Machine) finish(reason model.FinishReason) {
	m.stopClock()
	m.monitor.Disarm()
	if m.session.Section == model.SectionProgramming {
		m.saveDraft()
	}
	m.buffer.Freeze()
	m.session.Screen = model.ScreenResults
	m.reason = reason

	m.log.Info().
		Str("reason", string(reason)).
		Int("answered", m.buffer.AnsweredCount()).
		Int("submitted", m.buffer.SubmittedCount()).
		Int("violations", m.monitor.Count()).
		Msg("Exam finished")

	m.emit(ScreenChanged{Screen: model.ScreenResults})
	m.emit(EditsDisabled{})
	m.emit(FullscreenExitRequested{})
	m.emit(ExamFinished{Summary: m.summary()})
	m.sendFinalize()
}

func (m *Machine) sendFinalize() {
	m.finalizing = true
	m.pipeline.Finalize(m.ctx, func(res *model.Stage1Result, err error) {
		m.finalizing = false
		if err != nil {
			m.record(model.JournalFinalizeFailed, map[string]string{
				"reason":  stage1.Detail(err),
				"outcome": string(stage1.Classify(err)),
			})
			// A rejected completion (e.g. already completed) will not succeed on retry.
			m.emit(FinalizeFailed{
				Reason:    stage1.Detail(err),
				Retryable: stage1.Classify(err) != stage1.OutcomeRejected,
			})
			return
		}
		m.result = res
		m.record(model.JournalFinalized, res)
		m.emit(FinalizeAcknowledged{Result: *res})
	})
}

func (m *Machine) summary() model.ResultsSummary {
	return model.ResultsSummary{
		Reason:               m.reason,
		MCQAttempted:         m.buffer.AnsweredCount(),
		MCQTotal:             len(m.paper.Questions),
		ProgrammingSubmitted: m.buffer.SubmittedCount(),
		ProgrammingTotal:     len(m.paper.Problems),
		Violations:           m.monitor.Count(),
		Result:               m.result,
	}
}

func (m *Machine) enterSection(sec model.Section) {
	if m.session.Section != sec {
		if m.session.Section == model.SectionProgramming {
			m.saveDraft()
		}
		m.session.Section = sec
		m.emit(SectionChanged{Section: sec})
		m.record(model.JournalSectionChanged, map[string]model.Section{"section": sec})
		if sec == model.SectionProgramming {
			m.loadDraft()
		}
	}
	if sec == model.SectionMCQ {
		m.showQuestion()
	} else {
		m.showProblem()
	}
}

func (m *Machine) showQuestion() {
	q := m.paper.Questions[m.qIndex]
	opt, ok := m.buffer.Answer(q.ID)
	m.emit(QuestionShown{
		Index:    m.qIndex,
		Total:    len(m.paper.Questions),
		Question: q,
		Selected: opt,
		Answered: ok,
		Last:     m.qIndex == len(m.paper.Questions)-1,
	})
}

func (m *Machine) showProblem() {
	p := m.paper.Problems[m.pIndex]
	shown := ProblemShown{
		Index:    m.pIndex,
		Total:    len(m.paper.Problems),
		Problem:  p,
		Language: m.lang,
		Locked:   m.pipeline.InFlight(p.ID),
	}
	if s, ok := m.buffer.Submission(p.ID); ok {
		shown.Submission = &s
	}
	m.emit(shown)
}

func (m *Machine) currentProblem() model.ProgrammingProblem {
	return m.paper.Problems[m.pIndex]
}

func (m *Machine) saveDraft() {
	if len(m.paper.Problems) == 0 {
		return
	}
	m.drafts[draftKey{problem: m.currentProblem().ID, lang: m.lang}] = m.editor.Value()
}

// loadDraft puts the draft for the current problem and language into the
// editor, falling back to the problem's starter code.
func (m *Machine) loadDraft() {
	p := m.currentProblem()
	code, ok := m.drafts[draftKey{problem: p.ID, lang: m.lang}]
	if !ok {
		code = p.Starter(m.lang)
	}
	m.editor.SetLanguage(m.lang)
	m.editor.SetValue(code)
	m.emit(EditorReset{ProblemID: p.ID, Language: m.lang, Code: code})
}

func (m *Machine) questionIndex(id model.ID) (int, bool) {
	for i := range m.paper.Questions {
		if m.paper.Questions[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (m *Machine) problemIndex(id model.ID) (int, bool) {
	for i := range m.paper.Problems {
		if m.paper.Problems[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

func (m *Machine) snapshot() State {
	var result *model.Stage1Result
	if m.result != nil {
		r := *m.result
		result = &r
	}
	return State{
		Session:       m.session,
		Timer:         m.timer.State(),
		QuestionIndex: m.qIndex,
		ProblemIndex:  m.pIndex,
		Language:      m.lang,
		Answers:       m.buffer.Answers(),
		Submissions:   m.buffer.Submissions(),
		Violations:    m.monitor.Count(),
		InFlight:      m.pipeline.InFlightProblems(),
		Finalizing:    m.finalizing,
		Result:        result,
	}
}
