package stage1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// maxErrorBody caps how much of an error response is read for its detail.
const maxErrorBody = 64 << 10

// Client calls the Stage 1 REST API on behalf of one candidate.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

// NewClient creates a Client for baseURL (e.g. "http://localhost:8000/api")
// that authenticates with the candidate's bearer token.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		timeout: timeout,
		log:     log.With().Str("component", "stage1_client").Logger(),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Start marks the session start time server-side.
// POST /stage1/start
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, "start", http.MethodPost, "/stage1/start", nil, nil, nil)
}

// MCQQuestions fetches the MCQ set for this candidate.
// GET /stage1/mcq/questions
func (c *Client) MCQQuestions(ctx context.Context) ([]model.Question, error) {
	var questions []model.Question
	if err := c.do(ctx, "mcq questions", http.MethodGet, "/stage1/mcq/questions", nil, nil, &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

// ProgrammingProblems fetches the programming problem set.
// GET /stage1/programming/problems
func (c *Client) ProgrammingProblems(ctx context.Context) ([]model.ProgrammingProblem, error) {
	var problems []model.ProgrammingProblem
	if err := c.do(ctx, "programming problems", http.MethodGet, "/stage1/programming/problems", nil, nil, &problems); err != nil {
		return nil, err
	}
	return problems, nil
}

// SubmitAnswer persists one MCQ answer.
// POST /stage1/mcq/submit
func (c *Client) SubmitAnswer(ctx context.Context, questionID model.ID, option string) error {
	body := model.AnswerSubmitRequest{QuestionID: questionID, SelectedOption: option}
	return c.do(ctx, "submit answer", http.MethodPost, "/stage1/mcq/submit", nil, body, nil)
}

// SubmitCode submits code for grading and returns the grader's verdict.
// POST /stage1/programming/submit
func (c *Client) SubmitCode(ctx context.Context, req model.CodeSubmissionRequest) (*model.Evaluation, error) {
	var resp struct {
		Evaluation *model.Evaluation `json:"evaluation"`
	}
	if err := c.do(ctx, "submit code", http.MethodPost, "/stage1/programming/submit", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Evaluation == nil {
		return nil, fmt.Errorf("submit code: response has no evaluation")
	}
	return resp.Evaluation, nil
}

// TrackTab reports one integrity violation for problemID and returns the
// backend's running count for that problem.
// POST /stage1/programming/track-tab?problem_id=
func (c *Client) TrackTab(ctx context.Context, problemID model.ID) (int, error) {
	var resp struct {
		Count int `json:"tab_activity_count"`
	}
	query := url.Values{"problem_id": {problemID.String()}}
	if err := c.do(ctx, "track tab", http.MethodPost, "/stage1/programming/track-tab", query, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Complete finalizes the session.
// POST /stage1/complete
func (c *Client) Complete(ctx context.Context) (*model.Stage1Result, error) {
	var result model.Stage1Result
	if err := c.do(ctx, "complete", http.MethodPost, "/stage1/complete", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	reqID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("op", op).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Backend call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Op: op, Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// readDetail pulls FastAPI's {"detail": ...} message out of an error body.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}
	var msg string
	if err := json.Unmarshal(body.Detail, &msg); err == nil {
		return msg
	}
	// Validation errors come back as a list of objects.
	return string(body.Detail)
}
