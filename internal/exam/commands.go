package exam

import (
	"errors"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/stage1"
)

// Start leaves the instructions screen. The paper is fetched asynchronously;
// ExamLoaded or StartFailed follows.
func (m *Machine) Start() error {
	return m.do(func() error {
		if m.session.Screen != model.ScreenInstructions {
			return ErrAlreadyStarted
		}
		if m.starting {
			return ErrAlreadyStarting
		}
		m.starting = true
		m.log.Info().Msg("Starting exam")
		m.emit(FullscreenRequested{})
		m.pipeline.FetchPaper(m.ctx, m.onPaper)
		return nil
	})
}

// SelectSection switches to sec. Answers and drafts are kept.
func (m *Machine) SelectSection(sec model.Section) error {
	return m.do(func() error {
		if err := m.requireExam(); err != nil {
			return err
		}
		if _, ok := model.ParseSection(string(sec)); !ok {
			return ErrWrongSection
		}
		m.enterSection(sec)
		return nil
	})
}

// AdvanceSection moves from the MCQ section to the programming section.
func (m *Machine) AdvanceSection() error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionMCQ); err != nil {
			return err
		}
		m.enterSection(model.SectionProgramming)
		return nil
	})
}

// NextQuestion saves and moves on: an answer whose last send failed is sent
// again, then the next MCQ question is shown, or the programming section when
// the current question is the last one.
func (m *Machine) NextQuestion() error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionMCQ); err != nil {
			return err
		}
		m.resendAnswer(m.paper.Questions[m.qIndex].ID)
		if m.qIndex == len(m.paper.Questions)-1 {
			m.enterSection(model.SectionProgramming)
			return nil
		}
		m.qIndex++
		m.showQuestion()
		return nil
	})
}

func (m *Machine) PreviousQuestion() error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionMCQ); err != nil {
			return err
		}
		if m.qIndex > 0 {
			m.qIndex--
		}
		m.showQuestion()
		return nil
	})
}

func (m *Machine) SelectQuestion(id model.ID) error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionMCQ); err != nil {
			return err
		}
		i, ok := m.questionIndex(id)
		if !ok {
			return ErrUnknownQuestion
		}
		m.qIndex = i
		m.showQuestion()
		return nil
	})
}

// SetAnswer stores option for question id and sends it to the backend.
// Repeating the stored option only re-sends it when its last send failed.
// A blank option is stored locally but not sent.
func (m *Machine) SetAnswer(id model.ID, option string) error {
	return m.do(func() error {
		if err := m.requireExam(); err != nil {
			return err
		}
		if option != "" && !model.ValidOption(option) {
			return ErrInvalidOption
		}
		if _, ok := m.questionIndex(id); !ok {
			return ErrUnknownQuestion
		}
		if prev, ok := m.buffer.Answer(id); ok && prev == option {
			m.resendAnswer(id)
			return nil
		}
		if err := m.buffer.SetAnswer(id, option); err != nil {
			return err
		}
		m.emit(AnswerSaved{QuestionID: id, Option: option, Answered: m.buffer.AnsweredCount()})
		m.record(model.JournalAnswerSaved, model.Answer{QuestionID: id, SelectedOption: option})
		delete(m.unsent, id)
		if option != "" {
			m.sendAnswer(id, option)
		}
		return nil
	})
}

// resendAnswer sends the stored answer for id again if its last send failed.
// It only ever runs on a candidate action, never on a timer.
func (m *Machine) resendAnswer(id model.ID) {
	if !m.unsent[id] {
		return
	}
	if opt, ok := m.buffer.Answer(id); ok && opt != "" {
		m.log.Info().Str("question_id", id.String()).Msg("Re-sending unsaved answer")
		m.sendAnswer(id, opt)
	}
}

func (m *Machine) sendAnswer(id model.ID, option string) {
	delete(m.unsent, id)
	m.pipeline.SubmitAnswer(m.ctx, id, option, func(err error) {
		current, _ := m.buffer.Answer(id)
		if err == nil {
			if current == option {
				delete(m.unsent, id)
			}
			return
		}
		if current == option {
			m.unsent[id] = true
		}
		m.record(model.JournalAnswerSubmitFailed, map[string]interface{}{
			"question_id": id,
			"reason":      stage1.Detail(err),
		})
		m.emit(Warning{Code: WarnAnswerNotSaved, Message: "Answer saved locally but not on the server: " + stage1.Detail(err)})
	})
}

// SelectProblem shows problem id, keeping the current editor text as a draft.
func (m *Machine) SelectProblem(id model.ID) error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionProgramming); err != nil {
			return err
		}
		i, ok := m.problemIndex(id)
		if !ok {
			return ErrUnknownQuestion
		}
		if i != m.pIndex {
			m.saveDraft()
			m.pIndex = i
			m.loadDraft()
		}
		m.showProblem()
		return nil
	})
}

// SelectLanguage switches the editor language for the current problem.
func (m *Machine) SelectLanguage(lang model.Language) error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionProgramming); err != nil {
			return err
		}
		if _, ok := model.ParseLanguage(string(lang)); !ok {
			return model.ErrUnsupportedLanguage
		}
		if lang == m.lang {
			return nil
		}
		m.saveDraft()
		m.lang = lang
		m.loadDraft()
		m.showProblem()
		return nil
	})
}

// EditCode mirrors the host editor's text into the session editor.
func (m *Machine) EditCode(code string) error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionProgramming); err != nil {
			return err
		}
		m.editor.SetValue(code)
		return nil
	})
}

// SubmitCode sends the editor contents for grading. The problem's submit
// affordance stays locked until the result arrives.
func (m *Machine) SubmitCode() error {
	return m.do(func() error {
		if err := m.requireSection(model.SectionProgramming); err != nil {
			return err
		}
		code := m.editor.Value()
		if strings.TrimSpace(code) == "" {
			return ErrBlankCode
		}
		req := model.CodeSubmissionRequest{
			ProblemID: m.currentProblem().ID,
			Code:      code,
			Language:  m.lang,
		}
		if m.pipeline.InFlight(req.ProblemID) {
			return ErrSubmitInFlight
		}
		if _, ok := m.buffer.Submission(req.ProblemID); !ok {
			if err := m.buffer.SetCodeSubmission(req.ProblemID, code, m.lang); err != nil {
				return err
			}
		}
		if err := m.pipeline.SubmitCode(m.ctx, req, func(ev *model.Evaluation, err error) {
			m.onCodeResult(req, ev, err)
		}); err != nil {
			return err
		}
		m.emit(SubmitLocked{ProblemID: req.ProblemID, Locked: true})
		return nil
	})
}

func (m *Machine) onCodeResult(req model.CodeSubmissionRequest, ev *model.Evaluation, err error) {
	m.emit(SubmitLocked{ProblemID: req.ProblemID, Locked: false})
	switch {
	case errors.Is(err, ErrBufferFrozen):
		m.log.Warn().Str("problem_id", req.ProblemID.String()).Msg("Evaluation arrived after the exam finished and was dropped")
		m.emit(Warning{Code: WarnLateResult, Message: "A code result arrived after the exam ended and was not recorded."})
	case err != nil:
		m.record(model.JournalCodeSubmitFailed, map[string]interface{}{
			"problem_id": req.ProblemID,
			"language":   req.Language,
			"reason":     stage1.Detail(err),
			"outcome":    string(stage1.Classify(err)),
		})
		m.emit(CodeSubmitFailed{
			ProblemID: req.ProblemID,
			Reason:    stage1.Detail(err),
			Retryable: m.session.Screen == model.ScreenExam,
		})
	default:
		m.record(model.JournalCodeEvaluated, map[string]interface{}{
			"problem_id": req.ProblemID,
			"language":   req.Language,
			"evaluation": ev,
		})
		m.emit(CodeEvaluated{ProblemID: req.ProblemID, Evaluation: *ev})
	}
}

// Submit ends the exam. Without confirmation it only emits
// ConfirmationRequired and returns ErrConfirmationRequired.
func (m *Machine) Submit(confirmed bool) error {
	return m.do(func() error {
		if err := m.requireExam(); err != nil {
			return err
		}
		if !confirmed {
			m.emit(ConfirmationRequired{
				Answered:       m.buffer.AnsweredCount(),
				TotalQuestions: len(m.paper.Questions),
				Submitted:      m.buffer.SubmittedCount(),
				TotalProblems:  len(m.paper.Problems),
				Remaining:      m.timer.State().RemainingSeconds,
			})
			return ErrConfirmationRequired
		}
		m.finish(model.FinishManual)
		return nil
	})
}

// RetryFinalize re-sends the completion request after FinalizeFailed.
func (m *Machine) RetryFinalize() error {
	return m.do(func() error {
		switch {
		case m.session.Screen != model.ScreenResults:
			return ErrNotFinished
		case m.finalizing:
			return ErrFinalizeInFlight
		case m.result != nil:
			return ErrAlreadyFinalized
		}
		m.log.Info().Msg("Retrying session completion")
		m.sendFinalize()
		return nil
	})
}

// ObserveSignal feeds one integrity signal level into the monitor.
func (m *Machine) ObserveSignal(sig model.Signal, violating bool) error {
	return m.do(func() error {
		if sig != model.SignalVisibility && sig != model.SignalFullscreen {
			return ErrUnknownSignal
		}
		scope := Scope{Section: m.session.Section}
		if m.session.Screen == model.ScreenExam && len(m.paper.Problems) > 0 {
			scope.ProblemID = m.currentProblem().ID
		}
		ev, counted := m.monitor.Observe(sig, violating, scope)
		if !counted {
			return nil
		}

		m.log.Warn().
			Str("signal", string(sig)).
			Str("problem_id", ev.ProblemID.String()).
			Int("count", ev.CountAtEmission).
			Msg("Integrity violation")
		m.record(model.JournalViolation, ev)
		m.emit(ViolationRecorded{Event: ev, BannerSeconds: m.opts.ViolationBannerSeconds})

		m.pipeline.ReportViolation(m.ctx, ev.ProblemID, func(serverCount int, err error) {
			if err != nil {
				m.record(model.JournalViolationReportFailed, map[string]interface{}{
					"problem_id": ev.ProblemID,
					"count":      ev.CountAtEmission,
					"reason":     stage1.Detail(err),
				})
				m.emit(Warning{Code: WarnViolationNotSent, Message: "Violation could not be reported: " + stage1.Detail(err)})
				return
			}
			m.emit(ViolationAcknowledged{ProblemID: ev.ProblemID, ServerCount: serverCount})
		})
		return nil
	})
}

// FullscreenDenied records that the host could not enter fullscreen. The exam
// continues; the fullscreen signal is treated as already violating so that
// nothing is counted until fullscreen is actually entered and left again.
func (m *Machine) FullscreenDenied(reason string) error {
	return m.do(func() error {
		m.monitor.Force(model.SignalFullscreen, true)
		m.log.Warn().Str("reason", reason).Msg("Fullscreen request denied")
		m.record(model.JournalFullscreenDenied, map[string]string{"reason": reason})
		m.emit(Warning{Code: WarnFullscreenDenied, Message: "Fullscreen is not available; the exam continues without it."})
		return nil
	})
}

// Snapshot returns a copy of the current session state.
func (m *Machine) Snapshot() (State, error) {
	var st State
	err := m.do(func() error {
		st = m.snapshot()
		return nil
	})
	return st, err
}
