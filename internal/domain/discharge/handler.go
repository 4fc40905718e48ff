package discharge

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/hms/internal/platform/auth"
	"github.com/medflow/hms/internal/platform/featureflag"
	"github.com/medflow/hms/pkg/pagination"
)

type Handler struct {
	svc   *Service
	flags *featureflag.Service
}

// NewHandler returns the discharge handler. When flags is non-nil every
// route is gated on the discharge_prediction feature.
func NewHandler(svc *Service, flags *featureflag.Service) *Handler {
	return &Handler{svc: svc, flags: flags}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	var gate []echo.MiddlewareFunc
	if h.flags != nil {
		gate = append(gate, featureflag.RequireFeature(h.flags, featureflag.DischargePrediction))
	}
	g := api.Group("", gate...)

	readGroup := g.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse, auth.RolePhysician, auth.RoleCaseManager))
	readGroup.GET("/discharge-readiness/:patientId", h.Readiness)
	readGroup.GET("/discharge-ready-patients", h.ReadyPatients)
	readGroup.GET("/discharge-barriers/:admissionId", h.ListBarriers)
	readGroup.GET("/discharge-metrics", h.Metrics)
	readGroup.POST("/batch-discharge-predictions", h.Batch)

	writeGroup := g.Group("", auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RoleCaseManager))
	writeGroup.POST("/discharge-barriers/:admissionId", h.UpdateBarrier)
}

func errorResponse(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Readiness --

func (h *Handler) Readiness(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	var admissionID *uuid.UUID
	if raw := c.QueryParam("admissionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid admissionId")
		}
		admissionID = &id
	}
	p, err := h.svc.Readiness(c.Request().Context(), patientID, admissionID)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReadyPatients(c echo.Context) error {
	minScore := -1.0
	if raw := c.QueryParam("minScore"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid minScore")
		}
		minScore = v
	}
	page := pagination.FromContext(c)
	patients, total, err := h.svc.ReadyPatients(c.Request().Context(), minScore, page)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, page.Limit, page.Offset))
}

type batchRequest struct {
	Admissions []BatchItem `json:"admissions"`
}

func (h *Handler) Batch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Batch(c.Request().Context(), req.Admissions)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Barriers --

type barrierRequest struct {
	BarrierID *uuid.UUID `json:"barrierId,omitempty"`
	Resolved  *bool      `json:"resolved,omitempty"`
	BarrierInput
}

// UpdateBarrier resolves or reopens a barrier when barrierId is given and
// documents a new barrier otherwise.
func (h *Handler) UpdateBarrier(c echo.Context) error {
	admissionID, err := uuidParam(c, "admissionId")
	if err != nil {
		return err
	}
	var req barrierRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()

	if req.BarrierID != nil {
		if req.Resolved == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "resolved is required with barrierId")
		}
		p, err := h.svc.ResolveBarrier(ctx, admissionID, *req.BarrierID, *req.Resolved)
		if err != nil {
			return errorResponse(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"prediction": p})
	}

	b, err := h.svc.CreateBarrier(ctx, admissionID, &req.BarrierInput)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"barrier": b})
}

func (h *Handler) ListBarriers(c echo.Context) error {
	admissionID, err := uuidParam(c, "admissionId")
	if err != nil {
		return err
	}
	include, _ := strconv.ParseBool(c.QueryParam("includeResolved"))
	barriers, err := h.svc.ListBarriers(c.Request().Context(), admissionID, include)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"barriers": barriers})
}

// -- Metrics --

func (h *Handler) Metrics(c echo.Context) error {
	m, err := h.svc.Metrics(c.Request().Context(), c.QueryParam("startDate"), c.QueryParam("endDate"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"metrics": m})
}
