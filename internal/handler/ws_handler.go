package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/exam"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const subscriptionBuffer = 256

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SessionLocker guards one live session per candidate. *service.SessionRegistry implements it.
type SessionLocker interface {
	Acquire(ctx context.Context, candidateID int, sessionID uuid.UUID) error
	Hold(ctx context.Context, candidateID int, sessionID uuid.UUID, lost func())
	Active(ctx context.Context, candidateID int) (uuid.UUID, bool, error)
}

// BackendFactory builds the Stage 1 client for a candidate's bearer token.
type BackendFactory func(token string) exam.Backend

// WSHandler runs one exam session per WebSocket connection.
type WSHandler struct {
	locker     SessionLocker
	newBackend BackendFactory
	journal    exam.Journal
	opts       exam.Options
	root       zerolog.Logger
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewWSHandler creates a new WSHandler. opts supplies the session timing;
// identity, editor and journal are filled per connection.
func NewWSHandler(
	locker SessionLocker,
	newBackend BackendFactory,
	journal exam.Journal,
	opts exam.Options,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		locker:     locker,
		newBackend: newBackend,
		journal:    journal,
		opts:       opts,
		root:       log,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader:   buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/stage1/session?token=<jwt>
// Upgrades to WebSocket and drives a Stage 1 session from client actions.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID := uuid.New()
	if err := h.locker.Acquire(c.Request.Context(), claims.UserID, sessionID); err != nil {
		if errors.Is(err, service.ErrSessionAlreadyActive) {
			response.Fail(c, http.StatusConflict, response.ErrSessionActive)
			return
		}
		h.log.Error().Err(err).Int("candidate_id", claims.UserID).Msg("Failed to acquire session lock")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrBackendUnavailable)
		return
	}

	log := logger.ForSession(h.log, sessionID, claims.UserID)

	// The lock is held from here on; Hold releases it when ctx ends.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	var lockLost atomic.Bool
	holdDone := make(chan struct{})
	go func() {
		defer close(holdDone)
		h.locker.Hold(ctx, claims.UserID, sessionID, func() {
			lockLost.Store(true)
			cancel()
		})
	}()
	defer func() {
		cancel()
		<-holdDone
	}()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	w := ws.NewWriter(conn)

	opts := h.opts
	opts.SessionID = sessionID
	opts.CandidateID = claims.UserID
	opts.Journal = h.journal
	opts.Editor = nil

	machine, err := exam.NewMachine(h.newBackend(middleware.GetToken(c)), opts, h.root)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		w.WriteError("", string(response.ErrInternal), response.GetMessage(response.ErrInternal), nil)
		return
	}
	sub := machine.Subscribe(subscriptionBuffer)
	go func() {
		if err := machine.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session loop failed to start")
		}
	}()

	log.Info().Msg("Candidate connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for in := range sub.C() {
			if err := w.WriteIntent(in); err != nil {
				log.Debug().Err(err).Str("intent", in.Kind()).Msg("Write failed, closing session")
				cancel()
				return
			}
		}
		// The session tore down; unblock the reader.
		if lockLost.Load() {
			w.Close(websocket.ClosePolicyViolation, "session opened elsewhere")
		} else {
			w.Close(websocket.CloseNormalClosure, "session closed")
		}
	}()

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			} else {
				log.Debug().Msg("Connection closed")
			}
			break
		}
		h.dispatch(machine, w, data, log)
	}

	cancel()
	<-machine.Done()
	sub.Close()
	<-writerDone
	log.Info().Msg("Candidate disconnected")
}

// dispatch applies one client action to the session.
func (h *WSHandler) dispatch(m *exam.Machine, w *ws.Writer, data []byte, log zerolog.Logger) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.WriteError("", string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
		return
	}

	var err error
	switch env.Action {
	case ws.ActionPing:
		err = w.WritePong()
		if err != nil {
			log.Debug().Err(err).Msg("Pong failed")
		}
		return
	case ws.ActionStart:
		err = m.Start()
	case ws.ActionSelectSection:
		req, ok := decode[ws.SelectSectionRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.SelectSection(req.Section)
	case ws.ActionNextQuestion:
		err = m.NextQuestion()
	case ws.ActionPreviousQuestion:
		err = m.PreviousQuestion()
	case ws.ActionSelectQuestion:
		req, ok := decode[ws.SelectQuestionRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.SelectQuestion(req.QuestionID)
	case ws.ActionSetAnswer:
		req, ok := decode[ws.SetAnswerRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.SetAnswer(req.QuestionID, req.Option)
	case ws.ActionSelectProblem:
		req, ok := decode[ws.SelectProblemRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.SelectProblem(req.ProblemID)
	case ws.ActionSelectLanguage:
		req, ok := decode[ws.SelectLanguageRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.SelectLanguage(req.Language)
	case ws.ActionEditCode:
		req, ok := decode[ws.EditCodeRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.EditCode(req.Code)
	case ws.ActionSubmitCode:
		err = m.SubmitCode()
	case ws.ActionSubmit:
		req, ok := decode[ws.SubmitRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.Submit(req.Confirmed)
	case ws.ActionRetryFinalize:
		err = m.RetryFinalize()
	case ws.ActionSignal:
		req, ok := decode[ws.SignalRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.ObserveSignal(req.Signal, *req.Violating)
	case ws.ActionFullscreenDenied:
		req, ok := decode[ws.FullscreenDeniedRequest](w, env.Action, data)
		if !ok {
			return
		}
		err = m.FullscreenDenied(req.Reason)
	default:
		log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		w.WriteError(env.Action, string(response.ErrUnknownAction), response.GetMessage(response.ErrUnknownAction), nil)
		return
	}

	// ConfirmationRequired has already been sent as an intent.
	if err == nil || errors.Is(err, exam.ErrConfirmationRequired) {
		return
	}
	code := SessionErrCode(err)
	if code == response.ErrInternal {
		log.Error().Err(err).Str("action", string(env.Action)).Msg("Action failed")
	}
	w.WriteError(env.Action, string(code), response.GetMessage(code), nil)
}

func decode[T any](w *ws.Writer, action ws.Action, data []byte) (T, bool) {
	var req T
	if fields := ws.Decode(data, &req); fields != nil {
		w.WriteError(action, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
		return req, false
	}
	return req, true
}

var sessionErrCodes = []struct {
	err  error
	code response.ErrCode
}{
	{exam.ErrSessionClosed, response.ErrSessionClosed},
	{exam.ErrMachineStopped, response.ErrSessionClosed},
	{exam.ErrBufferFrozen, response.ErrSessionClosed},
	{exam.ErrNotInExam, response.ErrExamNotStarted},
	{exam.ErrAlreadyStarting, response.ErrExamStarting},
	{exam.ErrAlreadyStarted, response.ErrExamStarted},
	{exam.ErrWrongSection, response.ErrWrongSection},
	{exam.ErrUnknownQuestion, response.ErrUnknownQuestion},
	{exam.ErrInvalidOption, response.ErrInvalidOption},
	{model.ErrUnsupportedLanguage, response.ErrUnsupportedLanguage},
	{exam.ErrBlankCode, response.ErrBlankCode},
	{exam.ErrSubmitInFlight, response.ErrSubmitInFlight},
	{exam.ErrFinalizeInFlight, response.ErrFinalizeInFlight},
	{exam.ErrAlreadyFinalized, response.ErrAlreadyFinalized},
	{exam.ErrNotFinished, response.ErrNotFinished},
	{exam.ErrUnknownSignal, response.ErrUnknownSignal},
}

// SessionErrCode maps a session command error to its wire code.
func SessionErrCode(err error) response.ErrCode {
	for _, e := range sessionErrCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return response.ErrInternal
}

// ActiveSession godoc
// GET /api/v1/stage1/active-session
// Reports whether the candidate currently holds a live session.
func (h *WSHandler) ActiveSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id, ok, err := h.locker.Active(c.Request.Context(), claims.UserID)
	if err != nil {
		h.log.Error().Err(err).Int("candidate_id", claims.UserID).Msg("Failed to read session lock")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	data := gin.H{"active": ok}
	if ok {
		data["session_id"] = id
	}
	response.Success(c, http.StatusOK, data)
}
