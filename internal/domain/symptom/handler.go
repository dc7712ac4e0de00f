package symptom

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/triage/symptoms", h.ListSymptoms)
	api.GET("/triage/symptoms/:id", h.GetSymptom)
}

type listResponse struct {
	Symptoms []Definition `json:"symptoms"`
	Total    int          `json:"total"`
}

func (h *Handler) ListSymptoms(c echo.Context) error {
	var items []Definition
	if q := c.QueryParam("q"); q != "" {
		items = h.catalog.Search(q)
	} else {
		items = h.catalog.List()
	}
	return c.JSON(http.StatusOK, listResponse{Symptoms: items, Total: len(items)})
}

func (h *Handler) GetSymptom(c echo.Context) error {
	d, err := h.catalog.FindByID(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "symptom not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}
