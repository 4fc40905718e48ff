package bedmgmt

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/hms/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: every clinical and housekeeping role
	readGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse, auth.RolePhysician,
		auth.RoleHousekeeping, auth.RoleCaseManager))
	readGroup.GET("/beds/available", h.ListAvailableBeds)
	readGroup.GET("/beds/:bedId/history", h.BedHistory)
	readGroup.GET("/isolation-rooms", h.IsolationRooms)
	readGroup.GET("/status/all", h.StatusAll)
	readGroup.GET("/status/:unitId", h.StatusForUnit)
	readGroup.GET("/cleaning-priority", h.CleaningPriority)
	readGroup.GET("/turnover-metrics", h.TurnoverMetrics)
	readGroup.GET("/turnover-metrics/export", h.ExportTurnoverMetrics)

	// Placement endpoints: bed managers and clinicians
	placeGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse, auth.RolePhysician))
	placeGroup.POST("/check-isolation", h.CheckIsolation)
	placeGroup.POST("/recommend-beds", h.RecommendBeds)
	placeGroup.POST("/validate-assignment", h.ValidateAssignment)
	placeGroup.POST("/assign-bed", h.AssignBed)
	placeGroup.POST("/release-bed", h.ReleaseBed)
	placeGroup.POST("/clear-isolation/:patientId", h.ClearIsolation)

	// Status endpoints: bed managers, nurses and housekeeping
	statusGroup := api.Group("", auth.RequireRole(auth.RoleBedManager, auth.RoleNurse, auth.RoleHousekeeping))
	statusGroup.PUT("/status/:bedId", h.UpdateStatus)
	statusGroup.POST("/alert-housekeeping", h.AlertHousekeeping)
}

// errorResponse maps service errors onto HTTP errors.
func errorResponse(err error) error {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":      rejected.Validation.Reason,
			"validation": rejected.Validation,
		})
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error": err.Error(),
			"code":  "bed_conflict",
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransition):
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

// -- Isolation --

type patientRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
}

func (h *Handler) CheckIsolation(c echo.Context) error {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r, err := h.svc.CheckIsolation(c.Request().Context(), req.PatientID)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requirements": r})
}

type clearIsolationRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) ClearIsolation(c echo.Context) error {
	patientID, err := uuidParam(c, "patientId")
	if err != nil {
		return err
	}
	var req clearIsolationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ClearIsolation(c.Request().Context(), patientID, req.Reason); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patient_id": patientID, "cleared": true})
}

// -- Beds --

func (h *Handler) ListAvailableBeds(c echo.Context) error {
	var unitID *uuid.UUID
	if raw := c.QueryParam("unit_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid unit_id")
		}
		unitID = &id
	}
	beds, err := h.svc.ListAvailableBeds(c.Request().Context(), unitID, c.QueryParam("isolation_type"))
	if err != nil {
		return errorResponse(err)
	}
	beds = nonNilBeds(beds)
	return c.JSON(http.StatusOK, map[string]interface{}{"beds": beds, "count": len(beds)})
}

func (h *Handler) IsolationRooms(c echo.Context) error {
	avail, err := h.svc.IsolationRooms(c.Request().Context(), c.QueryParam("isolation_type"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"availability": avail})
}

func (h *Handler) BedHistory(c echo.Context) error {
	bedID, err := uuidParam(c, "bedId")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	history, err := h.svc.BedHistory(c.Request().Context(), bedID, limit)
	if err != nil {
		return errorResponse(err)
	}
	if history == nil {
		history = []*StatusChange{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": history})
}

// -- Recommendation and assignment --

func (h *Handler) RecommendBeds(c echo.Context) error {
	var req RecommendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.RecommendBeds(c.Request().Context(), &req)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ValidateAssignment(c echo.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.svc.ValidateAssignment(c.Request().Context(), req)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"validation": v})
}

func (h *Handler) AssignBed(c echo.Context) error {
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.AssignBed(c.Request().Context(), &req)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"assignment": a})
}

type releaseRequest struct {
	BedID uuid.UUID `json:"bed_id"`
	Notes *string   `json:"notes,omitempty"`
}

func (h *Handler) ReleaseBed(c echo.Context) error {
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	bed, err := h.svc.ReleaseBed(c.Request().Context(), req.BedID, req.Notes)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"bed": bed})
}

// -- Status --

func (h *Handler) StatusAll(c echo.Context) error {
	st, err := h.svc.StatusAll(c.Request().Context())
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) StatusForUnit(c echo.Context) error {
	unitID, err := uuidParam(c, "unitId")
	if err != nil {
		return err
	}
	st, err := h.svc.StatusForUnit(c.Request().Context(), unitID)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	bedID, err := uuidParam(c, "bedId")
	if err != nil {
		return err
	}
	var up StatusUpdate
	if err := c.Bind(&up); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	bed, err := h.svc.UpdateStatus(c.Request().Context(), bedID, &up)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, bed)
}

// -- Housekeeping --

func (h *Handler) CleaningPriority(c echo.Context) error {
	q, err := h.svc.CleaningPriorityQueue(c.Request().Context())
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, q)
}

func (h *Handler) AlertHousekeeping(c echo.Context) error {
	var req AlertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.AlertHousekeeping(c.Request().Context(), &req)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// -- Turnover --

func (h *Handler) TurnoverMetrics(c echo.Context) error {
	m, err := h.svc.TurnoverMetrics(c.Request().Context(), c.QueryParam("start_date"), c.QueryParam("end_date"))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"metrics": m})
}

func (h *Handler) ExportTurnoverMetrics(c echo.Context) error {
	m, err := h.svc.TurnoverMetrics(c.Request().Context(), c.QueryParam("start_date"), c.QueryParam("end_date"))
	if err != nil {
		return errorResponse(err)
	}
	data, err := TurnoverWorkbook(m, time.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	name := fmt.Sprintf("turnover_%s_%s.xlsx", m.StartDate.Format("20060102"), m.EndDate.Format("20060102"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, xlsxContentType, data)
}
