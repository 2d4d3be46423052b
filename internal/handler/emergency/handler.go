package emergency

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/connectcare/emergency-api/internal/handler"
	"github.com/connectcare/emergency-api/internal/model"
	apperrors "github.com/connectcare/emergency-api/pkg/errors"
)

// Service is the orchestrator surface the HTTP layer consumes.
type Service interface {
	Trigger(ctx context.Context, req *model.TriggerRequest) (*model.EmergencyRecord, bool, error)
	Escalate(ctx context.Context, patientID uuid.UUID, loc *model.Location) (*model.EmergencyRecord, error)
	Cancel(ctx context.Context, patientID uuid.UUID, cancelledBy string) (*model.EmergencyRecord, error)
	Resolve(ctx context.Context, patientID uuid.UUID, resolvedBy string) (*model.EmergencyRecord, error)
	Override(ctx context.Context, patientID uuid.UUID, caretakerID string) (*model.EmergencyRecord, error)
	Active(ctx context.Context, patientID uuid.UUID) (*model.EmergencyRecord, error)
	ActionHistory(ctx context.Context, limit int) ([]*model.EmergencyAction, error)
	VoiceScript(ctx context.Context, eventID uuid.UUID) (string, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterValidations installs the trigger-source enum check on gin's
// validator engine. Call once before routes are served.
func RegisterValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("triggersource", func(fl validator.FieldLevel) bool {
			return model.TriggerSource(fl.Field().String()).Valid()
		})
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	em := r.Group("/emergency")
	{
		em.POST("/trigger", h.Trigger)
		em.POST("/escalate", h.Escalate)
		em.POST("/cancel", h.Cancel)
		em.POST("/resolve", h.Resolve)
		em.POST("/override", h.Override)
		em.GET("/status/:patient_id", h.Status)
		em.GET("/actions", h.ActionHistory)
		em.GET("/voice-script/:event_id", h.VoiceScript)
	}
}

func (h *Handler) Trigger(c *gin.Context) {
	var req model.TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	rec, duplicate, err := h.service.Trigger(c, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	c.JSON(status, handler.NewSuccessResponse(model.TriggerResponse{
		EventID:   rec.EventID,
		Status:    rec.Status,
		Duplicate: duplicate,
	}))
}

func (h *Handler) Escalate(c *gin.Context) {
	var req model.EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	rec, err := h.service.Escalate(c, req.PatientID, req.Location)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

func (h *Handler) Cancel(c *gin.Context) {
	var req model.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	rec, err := h.service.Cancel(c, req.PatientID, req.CancelledBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

func (h *Handler) Resolve(c *gin.Context) {
	var req model.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	rec, err := h.service.Resolve(c, req.PatientID, req.ResolvedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

func (h *Handler) Override(c *gin.Context) {
	var req model.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	rec, err := h.service.Override(c, req.PatientID, req.CaretakerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

func (h *Handler) Status(c *gin.Context) {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid patient_id"))
		return
	}

	rec, err := h.service.Active(c, patientID)
	if err != nil {
		respondError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"active": "none"}))
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(rec))
}

func (h *Handler) ActionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))

	actions, err := h.service.ActionHistory(c, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(actions))
}

// VoiceScript serves the operator script the telephony gateway reads
// during an automated call.
func (h *Handler) VoiceScript(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("event_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid event_id"))
		return
	}

	script, err := h.service.VoiceScript(c, eventID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{"script": script}))
}

func respondError(c *gin.Context, err error) {
	switch apperrors.Code(err) {
	case apperrors.ErrNotFound:
		c.JSON(http.StatusNotFound, handler.NewErrorResponse(err.Error()))
	case apperrors.ErrBadRequest:
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
	case apperrors.ErrInvalidTransition:
		c.JSON(http.StatusConflict, handler.NewErrorResponse(err.Error()))
	case apperrors.ErrStoreUnavailable:
		c.JSON(http.StatusServiceUnavailable, handler.NewErrorResponse(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
	}
}
