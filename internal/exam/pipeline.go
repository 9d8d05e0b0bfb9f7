package exam

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/stage1"
	"golang.org/x/sync/errgroup"
)

// ErrSubmitInFlight is returned when a problem already has a submission being graded.
var ErrSubmitInFlight = errors.New("a submission for this problem is already being graded")

// Backend is the Stage 1 REST surface used by a session. *stage1.Client implements it.
type Backend interface {
	Start(ctx context.Context) error
	MCQQuestions(ctx context.Context) ([]model.Question, error)
	ProgrammingProblems(ctx context.Context) ([]model.ProgrammingProblem, error)
	SubmitAnswer(ctx context.Context, questionID model.ID, option string) error
	SubmitCode(ctx context.Context, req model.CodeSubmissionRequest) (*model.Evaluation, error)
	TrackTab(ctx context.Context, problemID model.ID) (int, error)
	Complete(ctx context.Context) (*model.Stage1Result, error)
}

// Paper is the question material fetched when an exam starts.
type Paper struct {
	Questions []model.Question
	Problems  []model.ProgrammingProblem
}

// Validate rejects papers that cannot be sat.
func (p Paper) Validate() error {
	if len(p.Questions) == 0 {
		return fmt.Errorf("%w: no MCQ questions", model.ErrMalformedQuestion)
	}
	if len(p.Problems) == 0 {
		return fmt.Errorf("%w: no programming problems", model.ErrMalformedQuestion)
	}
	seen := make(map[model.ID]bool, len(p.Questions))
	for i := range p.Questions {
		if err := p.Questions[i].Validate(); err != nil {
			return err
		}
		if seen[p.Questions[i].ID] {
			return fmt.Errorf("%w: duplicate question %s", model.ErrMalformedQuestion, p.Questions[i].ID)
		}
		seen[p.Questions[i].ID] = true
	}
	seen = make(map[model.ID]bool, len(p.Problems))
	for i := range p.Problems {
		if err := p.Problems[i].Validate(); err != nil {
			return err
		}
		if seen[p.Problems[i].ID] {
			return fmt.Errorf("%w: duplicate problem %s", model.ErrMalformedQuestion, p.Problems[i].ID)
		}
		seen[p.Problems[i].ID] = true
	}
	return nil
}

// Pipeline performs the session's backend calls off the session loop and
// hands each completion back through post, which runs it on the loop.
// Its bookkeeping is only touched from the loop.
type Pipeline struct {
	backend  Backend
	buffer   *AnswerBuffer
	post     func(func())
	inflight map[model.ID]bool
	log      zerolog.Logger
}

// NewPipeline creates a Pipeline writing graded results into buffer.
func NewPipeline(backend Backend, buffer *AnswerBuffer, post func(func()), log zerolog.Logger) *Pipeline {
	return &Pipeline{
		backend:  backend,
		buffer:   buffer,
		post:     post,
		inflight: make(map[model.ID]bool),
		log:      log.With().Str("component", "submission_pipeline").Logger(),
	}
}

// FetchPaper marks the session start and fetches both question sets
// concurrently. markErr is the result of the start call, which does not
// prevent the exam from starting; err is fatal to starting.
func (p *Pipeline) FetchPaper(ctx context.Context, done func(paper Paper, markErr, err error)) {
	go func() {
		markErr := p.backend.Start(ctx)
		if markErr != nil {
			p.logFailure(markErr, "start").Msg("Session start was not recorded by backend")
		}

		var paper Paper
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			qs, err := p.backend.MCQQuestions(gctx)
			if err != nil {
				return fmt.Errorf("fetch mcq questions: %w", err)
			}
			paper.Questions = qs
			return nil
		})
		g.Go(func() error {
			ps, err := p.backend.ProgrammingProblems(gctx)
			if err != nil {
				return fmt.Errorf("fetch programming problems: %w", err)
			}
			paper.Problems = ps
			return nil
		})
		err := g.Wait()
		if err == nil {
			err = paper.Validate()
		}
		p.post(func() { done(paper, markErr, err) })
	}()
}

// SubmitAnswer sends one answer and never retries. The local buffer write has
// already happened; done only informs the caller.
func (p *Pipeline) SubmitAnswer(ctx context.Context, questionID model.ID, option string, done func(error)) {
	go func() {
		err := p.backend.SubmitAnswer(ctx, questionID, option)
		if err != nil {
			p.logFailure(err, "submit_answer").Str("question_id", questionID.String()).Msg("Answer not persisted")
		}
		p.post(func() { done(err) })
	}()
}

// SubmitCode grades code for a problem. On success the evaluation is written
// into the buffer under req.ProblemID before done runs; on failure the stored
// submission is left as it was. Only one submission per problem may be in flight.
func (p *Pipeline) SubmitCode(ctx context.Context, req model.CodeSubmissionRequest, done func(*model.Evaluation, error)) error {
	if p.inflight[req.ProblemID] {
		return ErrSubmitInFlight
	}
	p.inflight[req.ProblemID] = true

	go func() {
		ev, err := p.backend.SubmitCode(ctx, req)
		if err != nil {
			p.logFailure(err, "submit_code").Str("problem_id", req.ProblemID.String()).Msg("Code submission failed")
		}
		p.post(func() {
			delete(p.inflight, req.ProblemID)
			if err == nil {
				err = p.buffer.RecordEvaluation(req.ProblemID, req.Code, req.Language, *ev)
			}
			done(ev, err)
		})
	}()
	return nil
}

// InFlight reports whether problemID has a submission being graded.
func (p *Pipeline) InFlight(problemID model.ID) bool { return p.inflight[problemID] }

// InFlightProblems lists the problems with a submission being graded.
func (p *Pipeline) InFlightProblems() []model.ID {
	ids := make([]model.ID, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	return ids
}

// ReportViolation reports one violation. Failures are telemetry loss only.
func (p *Pipeline) ReportViolation(ctx context.Context, problemID model.ID, done func(serverCount int, err error)) {
	go func() {
		n, err := p.backend.TrackTab(ctx, problemID)
		if err != nil {
			p.logFailure(err, "track_tab").Str("problem_id", problemID.String()).Msg("Violation not reported")
		}
		p.post(func() { done(n, err) })
	}()
}

// Finalize sends the completion request. The call is detached from ctx's
// cancellation so a closing tab still delivers it.
func (p *Pipeline) Finalize(ctx context.Context, done func(*model.Stage1Result, error)) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		res, err := p.backend.Complete(ctx)
		if err != nil {
			p.logFailure(err, "complete").Msg("Session completion not acknowledged")
		}
		p.post(func() { done(res, err) })
	}()
}

func (p *Pipeline) logFailure(err error, op string) *zerolog.Event {
	ev := p.log.Warn()
	if stage1.Classify(err) == stage1.OutcomeCanceled {
		ev = p.log.Debug()
	}
	return ev.Err(err).Str("op", op).Str("outcome", string(stage1.Classify(err)))
}
