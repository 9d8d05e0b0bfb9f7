package model

import (
	"time"

	"github.com/google/uuid"
)

// Screen enumerates the top-level screens of an exam session.
type Screen string

const (
	ScreenInstructions Screen = "INSTRUCTIONS"
	ScreenExam         Screen = "EXAM"
	ScreenResults      Screen = "RESULTS"
)

// Section enumerates the two parts of the exam screen.
type Section string

const (
	SectionMCQ         Section = "MCQ"
	SectionProgramming Section = "PROGRAMMING"
)

// ParseSection returns the section for s, or false if unknown.
func ParseSection(s string) (Section, bool) {
	switch Section(s) {
	case SectionMCQ, SectionProgramming:
		return Section(s), true
	}
	return "", false
}

// Session is one candidate's pass through the timed assessment.
type Session struct {
	ID              uuid.UUID `json:"id"`
	CandidateID     int       `json:"candidate_id"`
	Screen          Screen    `json:"screen"`
	Section         Section   `json:"section"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
}

// TimerState is the countdown as seen by the session.
type TimerState struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	Expired          bool `json:"expired"`
}

// Signal names one of the two browser integrity signals.
type Signal string

const (
	SignalVisibility Signal = "visibility"
	SignalFullscreen Signal = "fullscreen"
)

// ViolationEvent is emitted once per counted integrity violation.
type ViolationEvent struct {
	ProblemID       ID        `json:"problem_id"`
	CountAtEmission int       `json:"count"`
	Signal          Signal    `json:"signal"`
	At              time.Time `json:"at"`
}

// Stage1Result is the backend's response to POST /stage1/complete.
type Stage1Result struct {
	MCQScore         float64    `json:"mcq_score"`
	ProgrammingScore float64    `json:"programming_score"`
	TotalScore       float64    `json:"total_score"`
	Rank             *int       `json:"rank,omitempty"`
	IsQualified      bool       `json:"is_qualified"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// FinishReason records why a session reached the results screen.
type FinishReason string

const (
	FinishManual  FinishReason = "MANUAL"
	FinishExpired FinishReason = "TIME_EXPIRED"
)

// ResultsSummary is what the results screen shows locally, regardless of
// whether the backend acknowledged the completion.
type ResultsSummary struct {
	Reason               FinishReason  `json:"reason"`
	MCQAttempted         int           `json:"mcq_attempted"`
	MCQTotal             int           `json:"mcq_total"`
	ProgrammingSubmitted int           `json:"programming_submitted"`
	ProgrammingTotal     int           `json:"programming_total"`
	Violations           int           `json:"violations"`
	Result               *Stage1Result `json:"result,omitempty"`
}
