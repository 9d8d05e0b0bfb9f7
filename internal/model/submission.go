package model

// Answer is the candidate's current choice for one MCQ question.
type Answer struct {
	QuestionID     ID     `json:"question_id"`
	SelectedOption string `json:"selected_option"`
}

// ResultState distinguishes a submission still being graded from a graded one.
type ResultState string

const (
	ResultPending   ResultState = "PENDING"
	ResultEvaluated ResultState = "EVALUATED"
)

// Evaluation is the grader's verdict for one code submission.
type Evaluation struct {
	Score    float64 `json:"score"`
	Status   string  `json:"status"`
	Feedback string  `json:"feedback"`
}

// Passed reports whether the grader marked the submission as passing.
func (e Evaluation) Passed() bool { return e.Status == "passed" }

// CodeSubmission is the latest code submitted for one problem. It is always
// replaced as a whole; no history is kept.
type CodeSubmission struct {
	ProblemID  ID          `json:"problem_id"`
	Code       string      `json:"code"`
	Language   Language    `json:"language"`
	State      ResultState `json:"state"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// Evaluated reports whether the grader's verdict is stored.
func (s CodeSubmission) Evaluated() bool {
	return s.State == ResultEvaluated && s.Evaluation != nil
}

// CodeSubmissionRequest is the body of POST /stage1/programming/submit.
type CodeSubmissionRequest struct {
	ProblemID ID       `json:"problem_id"`
	Code      string   `json:"code"`
	Language  Language `json:"language"`
}

// AnswerSubmitRequest is the body of POST /stage1/mcq/submit.
type AnswerSubmitRequest struct {
	QuestionID     ID     `json:"question_id"`
	SelectedOption string `json:"selected_option"`
	TimeTaken      *int   `json:"time_taken"`
}
