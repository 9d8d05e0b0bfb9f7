package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/stemsi/exstem-proctor/internal/exam"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// session is the part of *exam.Machine the terminal drives.
type session interface {
	Start() error
	SelectSection(sec model.Section) error
	NextQuestion() error
	PreviousQuestion() error
	SetAnswer(id model.ID, option string) error
	SelectProblem(id model.ID) error
	SelectLanguage(lang model.Language) error
	EditCode(code string) error
	SubmitCode() error
	Submit(confirmed bool) error
	RetryFinalize() error
	ObserveSignal(sig model.Signal, violating bool) error
}

// Input modes layered over the session screen.
type mode int

const (
	modeBrowse mode = iota
	modeEditing
	modeConfirm
)

type intentMsg struct{ intent exam.Intent }

type sessionClosedMsg struct{}

type bannerExpiredMsg struct{ seq int }

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3498db"))
	clockStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2ecc71"))
	urgentStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e67e22"))
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffffff")).Background(lipgloss.Color("#c0392b")).Padding(0, 1)
	selectStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9b59b6")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f8c8d"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2ecc71"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type tuiModel struct {
	sess session
	sub  <-chan exam.Intent
	mode mode

	screen   model.Screen
	section  model.Section
	clock    string
	urgent   bool
	problems []model.ProgrammingProblem

	question *exam.QuestionShown
	problem  *exam.ProblemShown
	locked   map[model.ID]bool
	results  map[model.ID]model.Evaluation
	confirm  *exam.ConfirmationRequired

	editor textarea.Model

	banner    string
	bannerSeq int
	status    string
	statusErr bool

	summary        *model.ResultsSummary
	result         *model.Stage1Result
	finalizeFailed *exam.FinalizeFailed
	closed         bool
}

func newModel(m *exam.Machine, sub *exam.Subscription) tuiModel {
	return newTUIModel(m, sub.C())
}

func newTUIModel(sess session, intents <-chan exam.Intent) tuiModel {
	ta := textarea.New()
	ta.ShowLineNumbers = true
	ta.CharLimit = 65536
	ta.SetWidth(100)
	ta.SetHeight(16)
	ta.Placeholder = "Write your solution here..."

	return tuiModel{
		sess:    sess,
		sub:     intents,
		screen:  model.ScreenInstructions,
		section: model.SectionMCQ,
		locked:  make(map[model.ID]bool),
		results: make(map[model.ID]model.Evaluation),
		editor:  ta,
	}
}

func (t tuiModel) Init() tea.Cmd {
	return waitForIntent(t.sub)
}

func waitForIntent(c <-chan exam.Intent) tea.Cmd {
	return func() tea.Msg {
		in, ok := <-c
		if !ok {
			return sessionClosedMsg{}
		}
		return intentMsg{intent: in}
	}
}

func (t tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case intentMsg:
		cmd := t.applyIntent(msg.intent)
		return t, tea.Batch(cmd, waitForIntent(t.sub))

	case sessionClosedMsg:
		t.closed = true
		return t, nil

	case bannerExpiredMsg:
		if msg.seq == t.bannerSeq {
			t.banner = ""
		}
		return t, nil

	// The terminal losing focus is the visibility signal.
	case tea.FocusMsg:
		t.report(t.sess.ObserveSignal(model.SignalVisibility, false))
		return t, nil
	case tea.BlurMsg:
		t.report(t.sess.ObserveSignal(model.SignalVisibility, true))
		return t, nil

	case tea.WindowSizeMsg:
		t.editor.SetWidth(max(msg.Width-4, 20))
		return t, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return t, tea.Quit
		}
		switch t.mode {
		case modeEditing:
			return t.updateEditing(msg)
		case modeConfirm:
			return t.updateConfirm(msg)
		}
		return t.updateBrowse(msg)
	}
	return t, nil
}

// applyIntent folds one session intent into the view.
func (t *tuiModel) applyIntent(in exam.Intent) tea.Cmd {
	switch in := in.(type) {
	case exam.ScreenChanged:
		t.screen = in.Screen
		if in.Screen == model.ScreenResults {
			t.mode = modeBrowse
			t.confirm = nil
			t.editor.Blur()
		}
	case exam.SectionChanged:
		t.section = in.Section
	case exam.FullscreenRequested:
		return tea.EnterAltScreen
	case exam.FullscreenExitRequested:
		return tea.ExitAltScreen
	case exam.StartFailed:
		t.setStatus("Could not start: "+in.Reason, true)
	case exam.ExamLoaded:
		t.problems = in.Problems
		t.setStatus("", false)
	case exam.QuestionShown:
		q := in
		t.question = &q
	case exam.AnswerSaved:
		if t.question != nil && t.question.Question.ID == in.QuestionID {
			t.question.Selected = in.Option
			t.question.Answered = in.Option != ""
		}
	case exam.ProblemShown:
		p := in
		t.problem = &p
		t.locked[p.Problem.ID] = p.Locked
	case exam.EditorReset:
		t.editor.SetValue(in.Code)
	case exam.TimerTicked:
		t.clock = in.Clock
	case exam.TimeWarning:
		t.urgent = true
		t.setStatus(fmt.Sprintf("%d minutes remaining", in.Remaining/60), false)
	case exam.SubmitLocked:
		t.locked[in.ProblemID] = in.Locked
	case exam.CodeEvaluated:
		t.results[in.ProblemID] = in.Evaluation
		t.setStatus(fmt.Sprintf("Problem %s graded: %s (%.1f)", in.ProblemID, in.Evaluation.Status, in.Evaluation.Score), false)
	case exam.CodeSubmitFailed:
		t.setStatus(fmt.Sprintf("Submission for problem %s failed: %s", in.ProblemID, in.Reason), true)
	case exam.ViolationRecorded:
		t.bannerSeq++
		t.banner = fmt.Sprintf("Integrity violation recorded (%d)", in.Event.CountAtEmission)
		seq := t.bannerSeq
		return tea.Tick(time.Duration(in.BannerSeconds)*time.Second, func(time.Time) tea.Msg {
			return bannerExpiredMsg{seq: seq}
		})
	case exam.Warning:
		t.setStatus(in.Message, true)
	case exam.ConfirmationRequired:
		c := in
		t.confirm = &c
		t.mode = modeConfirm
	case exam.EditsDisabled:
		t.mode = modeBrowse
		t.editor.Blur()
	case exam.ExamFinished:
		s := in.Summary
		t.summary = &s
	case exam.FinalizeFailed:
		f := in
		t.finalizeFailed = &f
	case exam.FinalizeAcknowledged:
		r := in.Result
		t.result = &r
		t.finalizeFailed = nil
	}
	return nil
}

func (t tuiModel) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "q" && t.screen != model.ScreenExam {
		return t, tea.Quit
	}

	switch t.screen {
	case model.ScreenInstructions:
		if key == "enter" || key == "s" {
			t.report(t.sess.Start())
		}

	case model.ScreenResults:
		if key == "r" && t.finalizeFailed != nil && t.finalizeFailed.Retryable {
			t.report(t.sess.RetryFinalize())
		}

	case model.ScreenExam:
		switch key {
		case "tab":
			next := model.SectionProgramming
			if t.section == model.SectionProgramming {
				t.syncEditor()
				next = model.SectionMCQ
			}
			t.report(t.sess.SelectSection(next))
			return t, nil
		case "S":
			t.syncEditor()
			t.report(t.sess.Submit(false))
			return t, nil
		}
		if t.section == model.SectionMCQ {
			t.browseMCQ(key)
			return t, nil
		}
		return t.browseProgramming(key)
	}
	return t, nil
}

func (t *tuiModel) browseMCQ(key string) {
	switch key {
	case "n", "right":
		t.report(t.sess.NextQuestion())
	case "p", "left":
		t.report(t.sess.PreviousQuestion())
	case "a", "b", "c", "d":
		if t.question != nil {
			t.report(t.sess.SetAnswer(t.question.Question.ID, strings.ToUpper(key)))
		}
	}
}

func (t tuiModel) browseProgramming(key string) (tea.Model, tea.Cmd) {
	if t.problem == nil {
		return t, nil
	}
	switch key {
	case "n", "right", "p", "left":
		step := 1
		if key == "p" || key == "left" {
			step = -1
		}
		i := t.problem.Index + step
		if i >= 0 && i < len(t.problems) {
			t.syncEditor()
			t.report(t.sess.SelectProblem(t.problems[i].ID))
		}
	case "l":
		t.syncEditor()
		t.report(t.sess.SelectLanguage(nextLanguage(t.problem.Language)))
	case "e", "enter":
		t.mode = modeEditing
		return t, t.editor.Focus()
	case "x":
		t.submitCode()
	}
	return t, nil
}

func (t tuiModel) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		t.mode = modeBrowse
		t.editor.Blur()
		t.syncEditor()
		return t, nil
	case "ctrl+s":
		t.submitCode()
		return t, nil
	}
	var cmd tea.Cmd
	t.editor, cmd = t.editor.Update(msg)
	return t, cmd
}

func (t tuiModel) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		t.mode = modeBrowse
		t.confirm = nil
		t.report(t.sess.Submit(true))
	case "n", "N", "esc":
		t.mode = modeBrowse
		t.confirm = nil
	}
	return t, nil
}

func (t *tuiModel) submitCode() {
	if t.problem != nil && t.locked[t.problem.Problem.ID] {
		t.setStatus("This problem is still being graded.", true)
		return
	}
	t.syncEditor()
	if err := t.sess.SubmitCode(); err != nil {
		t.report(err)
		return
	}
	t.setStatus("Submitted, waiting for the grader...", false)
}

// syncEditor pushes the local editor text into the session before anything
// that saves a draft or reads the code.
func (t *tuiModel) syncEditor() {
	if t.screen != model.ScreenExam || t.section != model.SectionProgramming {
		return
	}
	t.report(t.sess.EditCode(t.editor.Value()))
}

func (t *tuiModel) report(err error) {
	if err == nil || errors.Is(err, exam.ErrConfirmationRequired) {
		return
	}
	t.setStatus(err.Error(), true)
}

func (t *tuiModel) setStatus(s string, isErr bool) {
	t.status = s
	t.statusErr = isErr
}

func nextLanguage(cur model.Language) model.Language {
	for i, l := range model.Languages {
		if l == cur {
			return model.Languages[(i+1)%len(model.Languages)]
		}
	}
	return model.DefaultLanguage
}

func (t tuiModel) View() string {
	var b strings.Builder

	header := titleStyle.Render("Stage 1 Assessment")
	if t.clock != "" {
		style := clockStyle
		if t.urgent {
			style = urgentStyle
		}
		header += "  " + style.Render(t.clock)
	}
	b.WriteString(header + "\n")
	if t.banner != "" {
		b.WriteString(bannerStyle.Render(t.banner) + "\n")
	}
	b.WriteString("\n")

	switch t.screen {
	case model.ScreenInstructions:
		b.WriteString(instructionsView())
	case model.ScreenExam:
		if t.section == model.SectionMCQ {
			b.WriteString(t.questionView())
		} else {
			b.WriteString(t.problemView())
		}
		if t.confirm != nil {
			b.WriteString("\n" + t.confirmView())
		}
	case model.ScreenResults:
		b.WriteString(t.resultsView())
	}

	if t.status != "" {
		style := mutedStyle
		if t.statusErr {
			style = errorStyle
		}
		b.WriteString("\n" + style.Render(t.status) + "\n")
	}
	if t.closed {
		b.WriteString("\n" + mutedStyle.Render("Session closed. Press ctrl+c to exit.") + "\n")
	}
	return b.String()
}

func instructionsView() string {
	lines := []string{
		"The assessment has a multiple-choice section and a programming section.",
		"The timer starts as soon as the exam loads and submits automatically at zero.",
		"Leaving this terminal window is recorded as an integrity violation.",
		"",
		"Press enter to start, q to quit.",
	}
	return panelStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func (t tuiModel) questionView() string {
	if t.question == nil {
		return mutedStyle.Render("Loading questions...") + "\n"
	}
	q := t.question
	var b strings.Builder
	fmt.Fprintf(&b, "Question %d of %d  (%d marks)\n\n", q.Index+1, q.Total, q.Question.Marks)
	b.WriteString(q.Question.Text + "\n\n")
	for i, opt := range q.Question.Options {
		label := model.OptionLabels[i]
		line := fmt.Sprintf("  %s) %s", label, opt)
		if q.Selected == label {
			line = selectStyle.Render("> " + label + ") " + opt)
		}
		b.WriteString(line + "\n")
	}
	next := "n next"
	if q.Last {
		next = "n programming section"
	}
	b.WriteString("\n" + mutedStyle.Render("a-d answer · "+next+" · p previous · tab switch section · S submit exam") + "\n")
	return b.String()
}

func (t tuiModel) problemView() string {
	if t.problem == nil {
		return mutedStyle.Render("Loading problems...") + "\n"
	}
	p := t.problem
	var b strings.Builder
	fmt.Fprintf(&b, "Problem %d of %d: %s  (%d marks)\n\n", p.Index+1, p.Total, titleStyle.Render(p.Problem.Title), p.Problem.Marks)
	b.WriteString(p.Problem.Description + "\n")
	if p.Problem.SampleInput != "" {
		b.WriteString("\nSample input:\n" + p.Problem.SampleInput + "\n")
	}
	if p.Problem.SampleOutput != "" {
		b.WriteString("Sample output:\n" + p.Problem.SampleOutput + "\n")
	}
	fmt.Fprintf(&b, "\nLanguage: %s\n", selectStyle.Render(string(p.Language)))
	b.WriteString(t.editor.View() + "\n")

	switch ev, ok := t.results[p.Problem.ID]; {
	case t.locked[p.Problem.ID]:
		b.WriteString(mutedStyle.Render("Grading...") + "\n")
	case ok && ev.Passed():
		b.WriteString(successStyle.Render(fmt.Sprintf("Passed (%.1f) %s", ev.Score, ev.Feedback)) + "\n")
	case ok:
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s (%.1f) %s", ev.Status, ev.Score, ev.Feedback)) + "\n")
	}

	help := "e edit · x submit code · l language · n/p problem · tab switch section · S submit exam"
	if t.mode == modeEditing {
		help = "esc stop editing · ctrl+s submit code"
	}
	b.WriteString("\n" + mutedStyle.Render(help) + "\n")
	return b.String()
}

func (t tuiModel) confirmView() string {
	c := t.confirm
	body := fmt.Sprintf(
		"Submit the exam?\n\nAnswered %d of %d questions\nSubmitted %d of %d problems\n%d seconds remaining\n\n(y/n)",
		c.Answered, c.TotalQuestions, c.Submitted, c.TotalProblems, c.Remaining,
	)
	return panelStyle.Render(body) + "\n"
}

func (t tuiModel) resultsView() string {
	if t.summary == nil {
		return mutedStyle.Render("Finishing...") + "\n"
	}
	s := t.summary
	var b strings.Builder
	reason := "Submitted"
	if s.Reason == model.FinishExpired {
		reason = "Time expired"
	}
	fmt.Fprintf(&b, "%s\n\n", titleStyle.Render(reason))
	fmt.Fprintf(&b, "Questions attempted: %d / %d\n", s.MCQAttempted, s.MCQTotal)
	fmt.Fprintf(&b, "Problems submitted:  %d / %d\n", s.ProgrammingSubmitted, s.ProgrammingTotal)
	fmt.Fprintf(&b, "Violations:          %d\n", s.Violations)

	switch {
	case t.result != nil:
		fmt.Fprintf(&b, "\nTotal score: %.1f (MCQ %.1f, programming %.1f)\n", t.result.TotalScore, t.result.MCQScore, t.result.ProgrammingScore)
		if t.result.IsQualified {
			b.WriteString(successStyle.Render("Qualified for the next stage") + "\n")
		}
	case t.finalizeFailed != nil:
		b.WriteString("\n" + errorStyle.Render("Results could not be recorded: "+t.finalizeFailed.Reason) + "\n")
		if t.finalizeFailed.Retryable {
			b.WriteString(mutedStyle.Render("Press r to retry.") + "\n")
		}
	default:
		b.WriteString("\n" + mutedStyle.Render("Recording results...") + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("q quit") + "\n")
	return b.String()
}
