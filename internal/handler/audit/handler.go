package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/connectcare/emergency-api/internal/handler"
	"github.com/connectcare/emergency-api/internal/model"
)

type Service interface {
	List(ctx context.Context, filters map[string]interface{}) ([]*model.AuditLog, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	au := r.Group("/audit")
	{
		au.GET("", h.List)
		au.GET("/patient/:patient_id", h.ListByPatient)
		au.GET("/export", h.Export)
	}
}

func (h *Handler) List(c *gin.Context) {
	filters, ok := parseFilters(c)
	if !ok {
		return
	}

	logs, err := h.service.List(c, filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to list audit logs"))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

func (h *Handler) ListByPatient(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid patient_id"))
		return
	}

	filters, ok := parseFilters(c)
	if !ok {
		return
	}
	filters["patient_id"] = patientID

	logs, err := h.service.List(c, filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to list audit logs"))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(logs))
}

// Export streams the filtered trail as CSV for compliance reviews.
func (h *Handler) Export(c *gin.Context) {
	filters, ok := parseFilters(c)
	if !ok {
		return
	}
	if _, set := filters["limit"]; !set {
		filters["limit"] = 10000
	}

	logs, err := h.service.List(c, filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse("failed to export audit logs"))
		return
	}

	filename := fmt.Sprintf("audit-export-%s.csv", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename="+filename)

	w := csv.NewWriter(c.Writer)
	defer w.Flush()

	w.Write([]string{"id", "event_id", "patient_id", "event_type", "actor", "detail", "created_at"})
	for _, l := range logs {
		w.Write([]string{
			l.ID.String(),
			l.EventID.String(),
			l.PatientID.String(),
			l.EventType,
			l.Actor,
			string(l.Detail),
			l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

func parseFilters(c *gin.Context) (map[string]interface{}, bool) {
	filters := make(map[string]interface{})

	if v := c.Query("event_type"); v != "" {
		filters["event_type"] = v
	}
	if v := c.Query("event_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid event_id"))
			return nil, false
		}
		filters["event_id"] = id
	}
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid start_date"))
			return nil, false
		}
		filters["start_date"] = t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid end_date"))
			return nil, false
		}
		filters["end_date"] = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid limit"))
			return nil, false
		}
		filters["limit"] = n
	}

	return filters, true
}
