package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// JournalReader is the read side of the session journal. *repository.JournalRepository implements it.
type JournalReader interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]model.JournalEntry, int, error)
	ViolationTotals(ctx context.Context, since time.Time) ([]model.ViolationTotal, error)
}

// ProctorHandler serves the proctor's read-only journal views.
type ProctorHandler struct {
	journal JournalReader
	now     func() time.Time
	log     zerolog.Logger
}

func NewProctorHandler(journal JournalReader, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		journal: journal,
		now:     time.Now,
		log:     log.With().Str("component", "proctor_handler").Logger(),
	}
}

type journalQuery struct {
	Page    int `form:"page" binding:"omitempty,min=1"`
	PerPage int `form:"per_page" binding:"omitempty,min=1,max=500"`
}

// SessionJournal godoc
// GET /api/v1/proctor/sessions/:session_id/journal
// Returns a session's journal entries in recording order.
func (h *ProctorHandler) SessionJournal(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var q journalQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.PerPage == 0 {
		q.PerPage = 100
	}

	entries, total, err := h.journal.ListBySession(c.Request.Context(), sessionID, q.PerPage, (q.Page-1)*q.PerPage)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to list journal")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if total == 0 {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"entries": entries}, response.NewPagination(q.Page, q.PerPage, total))
}

type violationsQuery struct {
	Since string `form:"since" binding:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// Violations godoc
// GET /api/v1/proctor/violations?since=<RFC3339>
// Aggregates violations per candidate, over the last 24 hours by default.
func (h *ProctorHandler) Violations(c *gin.Context) {
	var q violationsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	since := h.now().Add(-24 * time.Hour)
	if q.Since != "" {
		since, _ = time.Parse(time.RFC3339, q.Since)
	}

	totals, err := h.journal.ViolationTotals(c.Request.Context(), since)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to aggregate violations")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if totals == nil {
		totals = []model.ViolationTotal{}
	}

	response.Success(c, http.StatusOK, gin.H{"since": since.UTC(), "candidates": totals})
}
