package stage1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api", "tok-123", 2*time.Second, zerolog.Nop())
}

func TestMCQQuestionsDecodesBackendLayout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/stage1/mcq/questions", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`[{"id": 7, "question_text": "2+2?", "option_a": "3", "option_b": "4",
			"option_c": "5", "option_d": "22", "marks": 1, "topic": "math"}]`))
	})

	qs, err := c.MCQQuestions(context.Background())
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, model.ID("7"), qs[0].ID)
	assert.Equal(t, [4]string{"3", "4", "5", "22"}, qs[0].Options)
	assert.NoError(t, qs[0].Validate())
}

func TestProgrammingProblemsStarterCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 3, "title": "Sum", "description": "Add numbers",
			"starter_code_python": "def solve():\n    pass", "starter_code_java": "class Main {}"}]`))
	})

	ps, err := c.ProgrammingProblems(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "class Main {}", ps[0].Starter(model.LanguageJava))
	assert.Equal(t, "", ps[0].Starter(model.LanguageCPP))
	assert.Equal(t, 10, ps[0].Marks)
}

func TestSubmitAnswerBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stage1/mcq/submit", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(12), body["question_id"])
		assert.Equal(t, "B", body["selected_option"])
		w.Write([]byte(`{"status": "success"}`))
	})

	require.NoError(t, c.SubmitAnswer(context.Background(), "12", "B"))
}

func TestSubmitCodeReturnsEvaluation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req model.CodeSubmissionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, model.LanguageCPP, req.Language)
		w.Write([]byte(`{"status": "success", "attempt_id": 1,
			"evaluation": {"score": 8.5, "status": "passed", "feedback": "ok"}}`))
	})

	ev, err := c.SubmitCode(context.Background(), model.CodeSubmissionRequest{
		ProblemID: "3", Code: "int main(){}", Language: model.LanguageCPP,
	})
	require.NoError(t, err)
	assert.Equal(t, 8.5, ev.Score)
	assert.True(t, ev.Passed())
}

func TestTrackTabSendsProblemQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stage1/programming/track-tab", r.URL.Path)
		assert.Equal(t, "9", r.URL.Query().Get("problem_id"))
		w.Write([]byte(`{"tab_activity_count": 4}`))
	})

	n, err := c.TrackTab(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestErrorDetailAndClassification(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stage1/complete":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail": "You have already completed Stage 1"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})

	_, err := c.Complete(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "You have already completed Stage 1", Detail(err))
	assert.Equal(t, OutcomeRejected, Classify(err))

	err = c.Start(context.Background())
	assert.Equal(t, OutcomeTransient, Classify(err))
}

func TestClassifyCanceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, OutcomeCanceled, Classify(err))
	assert.Equal(t, OutcomeOK, Classify(nil))
}
