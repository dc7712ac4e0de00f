package triage

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/domain/symptom"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("patient"))
	g.POST("/triage/start", h.Start)
	g.POST("/triage/add-symptom", h.AddSymptom)
	g.POST("/triage/message", h.AddMessage)
	g.GET("/triage/result/:id", h.Result)
	g.GET("/triage/sessions/:id", h.GetSession)
	g.GET("/triage/history", h.History)
}

type startResponse struct {
	SessionID        uuid.UUID `json:"session_id"`
	Status           State     `json:"status"`
	SymptomsReported []string  `json:"symptoms_reported"`
	Timestamp        time.Time `json:"timestamp"`
}

type addSymptomRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	SymptomID string    `json:"symptom_id"`
}

type addSymptomResponse struct {
	SessionID        uuid.UUID          `json:"session_id"`
	SymptomAdded     symptom.Definition `json:"symptom_added"`
	AlreadyReported  bool               `json:"already_reported"`
	SymptomsReported []string           `json:"symptoms_reported"`
}

type messageRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Message   string    `json:"message"`
}

type analyzedSymptom struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Severity  int    `json:"severity"`
	RiskLevel string `json:"risk_level"`
}

type resultResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	ClassificationResult
	SymptomsAnalyzed []analyzedSymptom `json:"symptoms_analyzed"`
	CompletedAt      *time.Time        `json:"completed_at"`
}

// httpError maps domain error kinds onto HTTP status codes.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, ErrInvalidReference), errors.Is(err, ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, ErrIDGenerationExhausted):
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error())
}

func patientID(c echo.Context) uuid.UUID {
	return auth.PatientIDFromContext(c.Request().Context())
}

func sessionParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, nil
}

func (h *Handler) Start(c echo.Context) error {
	sess, err := h.svc.Start(c.Request().Context(), patientID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, startResponse{
		SessionID:        sess.ID,
		Status:           sess.State,
		SymptomsReported: sess.SymptomsReported,
		Timestamp:        sess.CreatedAt,
	})
}

func (h *Handler) AddSymptom(c echo.Context) error {
	var req addSymptomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SessionID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	if req.SymptomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "symptom_id is required")
	}
	sess, added, err := h.svc.AddSymptom(c.Request().Context(), patientID(c), req.SessionID, req.SymptomID)
	if err != nil {
		return httpError(err)
	}
	def, _ := h.svc.Catalog().FindByID(req.SymptomID)
	return c.JSON(http.StatusOK, addSymptomResponse{
		SessionID:        sess.ID,
		SymptomAdded:     def,
		AlreadyReported:  !added,
		SymptomsReported: sess.SymptomsReported,
	})
}

func (h *Handler) AddMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SessionID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	out, err := h.svc.AddMessage(c.Request().Context(), patientID(c), req.SessionID, req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Result(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	result, sess, err := h.svc.Finalize(c.Request().Context(), patientID(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resultResponse{
		SessionID:            sess.ID,
		ClassificationResult: result,
		SymptomsAnalyzed:     h.analyzed(sess.SymptomsReported),
		CompletedAt:          sess.CompletedAt,
	})
}

// analyzed describes each reported symptom the catalog still knows.
func (h *Handler) analyzed(ids []string) []analyzedSymptom {
	out := make([]analyzedSymptom, 0, len(ids))
	for _, id := range ids {
		def, err := h.svc.Catalog().FindByID(id)
		if err != nil {
			continue
		}
		out = append(out, analyzedSymptom{ID: def.ID, Name: def.Name, Severity: def.Severity, RiskLevel: def.RiskLevel})
	}
	return out
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := sessionParam(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Get(c.Request().Context(), patientID(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) History(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := HistoryFilter{
		State:     State(c.QueryParam("state")),
		RiskLevel: RiskLevel(c.QueryParam("risk_level")),
	}
	items, total, err := h.svc.History(c.Request().Context(), patientID(c), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
