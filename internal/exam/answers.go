package exam

import (
	"errors"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrBufferFrozen is returned for writes after the session reached the results screen.
var ErrBufferFrozen = errors.New("answer buffer is frozen")

// AnswerBuffer is the local, authoritative store of the candidate's answers
// and code submissions. Every write replaces the whole record.
type AnswerBuffer struct {
	answers     map[model.ID]string
	submissions map[model.ID]model.CodeSubmission
	frozen      bool
}

// NewAnswerBuffer returns an empty buffer.
func NewAnswerBuffer() *AnswerBuffer {
	return &AnswerBuffer{
		answers:     make(map[model.ID]string),
		submissions: make(map[model.ID]model.CodeSubmission),
	}
}

// SetAnswer upserts the selected option for a question. A blank option is
// stored as-is; only a missing key means "unanswered".
func (b *AnswerBuffer) SetAnswer(questionID model.ID, option string) error {
	if b.frozen {
		return ErrBufferFrozen
	}
	b.answers[questionID] = option
	return nil
}

// SetCodeSubmission upserts a submission with a pending result.
func (b *AnswerBuffer) SetCodeSubmission(problemID model.ID, code string, lang model.Language) error {
	if b.frozen {
		return ErrBufferFrozen
	}
	b.submissions[problemID] = model.CodeSubmission{
		ProblemID: problemID,
		Code:      code,
		Language:  lang,
		State:     model.ResultPending,
	}
	return nil
}

// RecordEvaluation replaces the submission for problemID with a graded one.
func (b *AnswerBuffer) RecordEvaluation(problemID model.ID, code string, lang model.Language, ev model.Evaluation) error {
	if b.frozen {
		return ErrBufferFrozen
	}
	b.submissions[problemID] = model.CodeSubmission{
		ProblemID:  problemID,
		Code:       code,
		Language:   lang,
		State:      model.ResultEvaluated,
		Evaluation: &ev,
	}
	return nil
}

// Answer returns the stored option for questionID.
func (b *AnswerBuffer) Answer(questionID model.ID) (string, bool) {
	opt, ok := b.answers[questionID]
	return opt, ok
}

// Submission returns the stored submission for problemID.
func (b *AnswerBuffer) Submission(problemID model.ID) (model.CodeSubmission, bool) {
	s, ok := b.submissions[problemID]
	return s, ok
}

// Answers returns a copy of all answers.
func (b *AnswerBuffer) Answers() map[model.ID]string {
	out := make(map[model.ID]string, len(b.answers))
	for k, v := range b.answers {
		out[k] = v
	}
	return out
}

// Submissions returns a copy of all submissions.
func (b *AnswerBuffer) Submissions() map[model.ID]model.CodeSubmission {
	out := make(map[model.ID]model.CodeSubmission, len(b.submissions))
	for k, v := range b.submissions {
		if v.Evaluation != nil {
			ev := *v.Evaluation
			v.Evaluation = &ev
		}
		out[k] = v
	}
	return out
}

// AnsweredCount counts questions with a stored option.
func (b *AnswerBuffer) AnsweredCount() int { return len(b.answers) }

// SubmittedCount counts problems with a stored submission.
func (b *AnswerBuffer) SubmittedCount() int { return len(b.submissions) }

// Freeze rejects all later writes.
func (b *AnswerBuffer) Freeze() { b.frozen = true }

// Frozen reports whether writes are rejected.
func (b *AnswerBuffer) Frozen() bool { return b.frozen }
