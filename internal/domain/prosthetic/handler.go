package prosthetic

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/dental/backoffice/internal/platform/apperr"
	"github.com/dental/backoffice/internal/platform/auth"
	"github.com/dental/backoffice/internal/platform/db"
	"github.com/dental/backoffice/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints - clinicians and labs
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleLab))
	readGroup.GET("/cases", h.ListCases)
	readGroup.GET("/cases/:id", h.GetCase)
	readGroup.GET("/cases/:id/history", h.GetHistory)
	readGroup.GET("/cases/:id/messages", h.ListMessages)
	readGroup.GET("/cases/:id/attachments/:name", h.DownloadAttachment)

	// Collaboration endpoints - both sides of the case
	sharedGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleLab))
	sharedGroup.PUT("/cases/:id", h.UpdateCase)
	sharedGroup.PUT("/cases/:id/status", h.TransitionCase)
	sharedGroup.POST("/cases/:id/messages", h.PostMessage)
	sharedGroup.PUT("/cases/:id/messages/read", h.MarkRead)
	sharedGroup.POST("/cases/:id/attachments", h.UploadAttachment)

	// Clinic-side endpoints
	clinicGroup := api.Group("", auth.RequireRole(auth.RoleClinician))
	clinicGroup.POST("/cases", h.CreateCase)
	clinicGroup.POST("/cases/batch", h.CreateBatch)
	clinicGroup.PUT("/cases/:id/cost", h.SetCost)
	clinicGroup.DELETE("/cases/:id", h.CancelCase)
	clinicGroup.GET("/finance/summary", h.GetSummary)
	clinicGroup.GET("/finance/summary/export", h.ExportSummary)
}

func ok(c echo.Context, status int, payload echo.Map) error {
	payload["success"] = true
	return c.JSON(status, payload)
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := c.Validate(v); err != nil && !errors.Is(err, echo.ErrValidatorNotRegistered) {
		return err
	}
	return nil
}

func caseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid case id")
	}
	return id, nil
}

func actorOf(c echo.Context) (auth.Actor, error) {
	a, found := auth.ActorFromContext(c.Request().Context())
	if !found {
		return auth.Actor{}, &apperr.Error{Kind: apperr.KindUnauthorized, Msg: "unauthenticated"}
	}
	return a, nil
}

func clinicOf(c echo.Context) string {
	return db.ClinicFromContext(c.Request().Context())
}

func queryInt64(c echo.Context, name string) (*int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return nil, apperr.Validation("%s must be a positive integer", name)
	}
	return &v, nil
}

func queryDate(c echo.Context, name string) (*Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return nil, apperr.Validation("%s must be a date in YYYY-MM-DD format", name)
	}
	return &d, nil
}

// -- Cases --

func (h *Handler) CreateCase(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	created, err := h.svc.Create(c.Request().Context(), clinicOf(c), in, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, echo.Map{"id": created.ID, "code": created.Code, "groupId": created.GroupID})
}

type batchRequest struct {
	Cases []CreateInput `json:"cases" validate:"required,min=1,max=20,dive"`
}

func (h *Handler) CreateBatch(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req batchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	groupID, created, err := h.svc.CreateBatch(c.Request().Context(), clinicOf(c), req.Cases, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, echo.Map{"groupId": groupID, "cases": created})
}

func (h *Handler) ListCases(c echo.Context) error {
	var f ListFilter
	if raw := c.QueryParam("status"); raw != "" {
		st, err := ParseStatus(raw)
		if err != nil {
			return err
		}
		f.Status = &st
	}
	if raw := c.QueryParam("urgency"); raw != "" {
		u := Urgency(raw)
		if !u.Valid() {
			return apperr.Validation("urgency must be one of normal, urgent, emergency")
		}
		f.Urgency = &u
	}
	var err error
	if f.LabID, err = queryInt64(c, "labId"); err != nil {
		return err
	}
	if f.PatientID, err = queryInt64(c, "patientId"); err != nil {
		return err
	}
	if f.ProfessionalID, err = queryInt64(c, "professionalId"); err != nil {
		return err
	}

	pg := pagination.FromContext(c, h.svc.defaultLimit)
	res, err := h.svc.List(c.Request().Context(), clinicOf(c), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"cases": res.Cases, "stats": res.Stats, "pagination": res.Page})
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Detail(c.Request().Context(), clinicOf(c), id)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{
		"case":        d.Case,
		"attachments": d.Attachments,
		"history":     d.History,
		"messages":    d.Messages,
		"unreadCount": d.UnreadCount,
	})
}

func (h *Handler) UpdateCase(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	updated, err := h.svc.Update(c.Request().Context(), clinicOf(c), id, in, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"case": updated})
}

func (h *Handler) TransitionCase(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var in TransitionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	updated, err := h.svc.Transition(c.Request().Context(), clinicOf(c), id, in, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"case": updated})
}

type costRequest struct {
	CostValue *decimal.Decimal `json:"costValue"`
}

func (h *Handler) SetCost(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var req costRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	updated, err := h.svc.SetCost(c.Request().Context(), clinicOf(c), id, req.CostValue)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"case": updated})
}

func (h *Handler) CancelCase(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var reason *string
	if r := c.QueryParam("reason"); r != "" {
		reason = &r
	}
	cancelled, err := h.svc.Cancel(c.Request().Context(), clinicOf(c), id, reason, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"case": cancelled})
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	order, err := ParseOrder(c.QueryParam("order"))
	if err != nil {
		return err
	}
	entries, err := h.svc.History(c.Request().Context(), clinicOf(c), id, order)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"history": entries})
}

// -- Messages --

func (h *Handler) PostMessage(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	var in MessageInput
	if err := bind(c, &in); err != nil {
		return err
	}
	m, err := h.svc.PostMessage(c.Request().Context(), clinicOf(c), id, in.Body, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, echo.Map{"message": m})
}

func (h *Handler) ListMessages(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	msgs, unread, err := h.svc.ListMessages(c.Request().Context(), clinicOf(c), id)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"messages": msgs, "unreadCount": unread})
}

func (h *Handler) MarkRead(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	id, err := caseID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkRead(c.Request().Context(), clinicOf(c), id, actor)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"updated": n})
}

// -- Attachments --

func (h *Handler) UploadAttachment(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return apperr.Validation("file is required")
	}
	src, err := file.Open()
	if err != nil {
		return apperr.Store("open upload", err)
	}
	defer src.Close()

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	obj, err := h.svc.Attach(c.Request().Context(), clinicOf(c), id, file.Filename, contentType, src)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, echo.Map{"attachment": obj})
}

func (h *Handler) DownloadAttachment(c echo.Context) error {
	id, err := caseID(c)
	if err != nil {
		return err
	}
	obj, rc, err := h.svc.OpenAttachment(c.Request().Context(), clinicOf(c), id, c.Param("name"))
	if err != nil {
		return err
	}
	defer rc.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, obj.FileName))
	return c.Stream(http.StatusOK, contentType, rc)
}

// -- Finance --

func summaryFilter(c echo.Context) (SummaryFilter, error) {
	var f SummaryFilter
	var err error
	if f.DateFrom, err = queryDate(c, "dateFrom"); err != nil {
		return f, err
	}
	if f.DateTo, err = queryDate(c, "dateTo"); err != nil {
		return f, err
	}
	if f.LabID, err = queryInt64(c, "labId"); err != nil {
		return f, err
	}
	if f.ProfessionalID, err = queryInt64(c, "professionalId"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) GetSummary(c echo.Context) error {
	f, err := summaryFilter(c)
	if err != nil {
		return err
	}
	summary, _, err := h.svc.Summary(c.Request().Context(), clinicOf(c), f)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, echo.Map{"summary": summary})
}

func (h *Handler) ExportSummary(c echo.Context) error {
	f, err := summaryFilter(c)
	if err != nil {
		return err
	}
	summary, cases, err := h.svc.Summary(c.Request().Context(), clinicOf(c), f)
	if err != nil {
		return err
	}

	fileName := fmt.Sprintf("prosthetic-costs-%s.xlsx", time.Now().In(h.svc.loc).Format("20060102"))
	c.Response().Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Response().Header().Set("Content-Disposition", "attachment; filename="+fileName)
	c.Response().WriteHeader(http.StatusOK)
	return WriteSummaryXLSX(c.Response().Writer, summary, cases, f, h.svc.loc)
}
