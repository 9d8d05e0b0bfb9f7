package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JournalKind enumerates the session events written to the audit journal.
type JournalKind string

const (
	JournalStarted               JournalKind = "started"
	JournalStartFailed           JournalKind = "start_failed"
	JournalSectionChanged        JournalKind = "section_changed"
	JournalAnswerSaved           JournalKind = "answer_saved"
	JournalAnswerSubmitFailed    JournalKind = "answer_submit_failed"
	JournalCodeEvaluated         JournalKind = "code_evaluated"
	JournalCodeSubmitFailed      JournalKind = "code_submit_failed"
	JournalViolation             JournalKind = "violation"
	JournalViolationReportFailed JournalKind = "violation_report_failed"
	JournalFullscreenDenied      JournalKind = "fullscreen_denied"
	JournalTimeExpired           JournalKind = "time_expired"
	JournalFinalized             JournalKind = "finalized"
	JournalFinalizeFailed        JournalKind = "finalize_failed"
)

// JournalEntry is one audit record for a session.
type JournalEntry struct {
	ID          int64           `json:"id,omitempty"`
	SessionID   uuid.UUID       `json:"session_id"`
	CandidateID int             `json:"candidate_id"`
	Kind        JournalKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// ViolationTotal aggregates violations per candidate for the proctor view.
type ViolationTotal struct {
	CandidateID   int       `json:"candidate_id"`
	Sessions      int64     `json:"sessions"`
	Violations    int64     `json:"violations"`
	LastViolation time.Time `json:"last_violation"`
}
