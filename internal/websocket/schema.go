package websocket

import "github.com/stemsi/exstem-proctor/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionStart            Action = "start"
	ActionSelectSection    Action = "select_section"
	ActionNextQuestion     Action = "next_question"
	ActionPreviousQuestion Action = "previous_question"
	ActionSelectQuestion   Action = "select_question"
	ActionSetAnswer        Action = "set_answer"
	ActionSelectProblem    Action = "select_problem"
	ActionSelectLanguage   Action = "select_language"
	ActionEditCode         Action = "edit_code"
	ActionSubmitCode       Action = "submit_code"
	ActionSubmit           Action = "submit"
	ActionRetryFinalize    Action = "retry_finalize"
	ActionSignal           Action = "signal"
	ActionFullscreenDenied Action = "fullscreen_denied"
	ActionPing             Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

type SelectSectionRequest struct {
	Section model.Section `json:"section" binding:"required,section"`
}

type SelectQuestionRequest struct {
	QuestionID model.ID `json:"question_id" binding:"required"`
}

// SetAnswerRequest stores an option. An empty option clears the answer locally.
type SetAnswerRequest struct {
	QuestionID model.ID `json:"question_id" binding:"required"`
	Option     string   `json:"option" binding:"omitempty,mcq_option"`
}

type SelectProblemRequest struct {
	ProblemID model.ID `json:"problem_id" binding:"required"`
}

type SelectLanguageRequest struct {
	Language model.Language `json:"language" binding:"required,language"`
}

// EditCodeRequest mirrors the full editor text, not a diff.
type EditCodeRequest struct {
	Code string `json:"code" binding:"max=65536"`
}

type SubmitRequest struct {
	Confirmed bool `json:"confirmed"`
}

// SignalRequest reports the current level of an integrity signal.
type SignalRequest struct {
	Signal    model.Signal `json:"signal" binding:"required,signal"`
	Violating *bool        `json:"violating" binding:"required"`
}

type FullscreenDeniedRequest struct {
	Reason string `json:"reason" binding:"max=200"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

// Every session intent is sent as an event named after its kind. Error and
// pong are the only events that do not come from the session.
type Event string

const (
	EventError Event = "error"
	EventPong  Event = "pong"
)

// EventEnvelope frames every server message.
type EventEnvelope struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type ErrorData struct {
	Action  Action            `json:"action,omitempty"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
