package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectcare/emergency-api/internal/model"
	apperrors "github.com/connectcare/emergency-api/pkg/errors"
)

type stubService struct {
	rec       *model.EmergencyRecord
	duplicate bool
	err       error
	script    string
}

func (s *stubService) Trigger(context.Context, *model.TriggerRequest) (*model.EmergencyRecord, bool, error) {
	return s.rec, s.duplicate, s.err
}
func (s *stubService) Escalate(context.Context, uuid.UUID, *model.Location) (*model.EmergencyRecord, error) {
	return s.rec, s.err
}
func (s *stubService) Cancel(context.Context, uuid.UUID, string) (*model.EmergencyRecord, error) {
	return s.rec, s.err
}
func (s *stubService) Resolve(context.Context, uuid.UUID, string) (*model.EmergencyRecord, error) {
	return s.rec, s.err
}
func (s *stubService) Override(context.Context, uuid.UUID, string) (*model.EmergencyRecord, error) {
	return s.rec, s.err
}
func (s *stubService) Active(context.Context, uuid.UUID) (*model.EmergencyRecord, error) {
	return s.rec, s.err
}
func (s *stubService) ActionHistory(context.Context, int) ([]*model.EmergencyAction, error) {
	return nil, s.err
}
func (s *stubService) VoiceScript(context.Context, uuid.UUID) (string, error) {
	return s.script, s.err
}

func setupRouter(svc *stubService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	RegisterValidations()

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerReturns201(t *testing.T) {
	rec := &model.EmergencyRecord{
		EventID: uuid.New(),
		Status:  model.EmergencyStatusPendingConfirmation,
	}
	r := setupRouter(&stubService{rec: rec})

	w := doJSON(r, http.MethodPost, "/api/v1/emergency/trigger", map[string]interface{}{
		"patient_id":     uuid.New().String(),
		"trigger_source": "MANUAL_SOS",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), rec.EventID.String())
}

func TestTriggerDuplicateReturns200(t *testing.T) {
	rec := &model.EmergencyRecord{
		EventID: uuid.New(),
		Status:  model.EmergencyStatusPendingConfirmation,
	}
	r := setupRouter(&stubService{rec: rec, duplicate: true})

	w := doJSON(r, http.MethodPost, "/api/v1/emergency/trigger", map[string]interface{}{
		"patient_id":     uuid.New().String(),
		"trigger_source": "FALL_DETECTION",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"duplicate":true`)
}

func TestTriggerValidationFailures(t *testing.T) {
	r := setupRouter(&stubService{})

	cases := []map[string]interface{}{
		{"trigger_source": "MANUAL_SOS"},                                     // missing patient_id
		{"patient_id": uuid.New().String(), "trigger_source": "NONSENSE"},    // bad source
		{"patient_id": uuid.New().String()},                                  // missing source
		{"patient_id": uuid.New().String(), "trigger_source": "MANUAL_SOS",
			"caretaker_phone": "not-a-number"}, // bad phone
	}
	for i, body := range cases {
		w := doJSON(r, http.MethodPost, "/api/v1/emergency/trigger", body)
		assert.Equalf(t, http.StatusBadRequest, w.Code, "case %d: %s", i, w.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperrors.NewNotFound("active emergency", nil), http.StatusNotFound},
		{apperrors.NewInvalidTransition("window closed"), http.StatusConflict},
		{apperrors.NewStoreUnavailable(fmt.Errorf("db down")), http.StatusServiceUnavailable},
		{apperrors.NewBadRequest("bad input", nil), http.StatusBadRequest},
	}

	for _, tc := range cases {
		r := setupRouter(&stubService{err: tc.err})
		w := doJSON(r, http.MethodPost, "/api/v1/emergency/cancel", map[string]interface{}{
			"patient_id":   uuid.New().String(),
			"cancelled_by": "patient",
		})
		assert.Equalf(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestStatusWithoutActiveEmergency(t *testing.T) {
	r := setupRouter(&stubService{})

	w := doJSON(r, http.MethodGet, "/api/v1/emergency/status/"+uuid.New().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":"none"`)
}

func TestStatusRejectsMalformedPatientID(t *testing.T) {
	r := setupRouter(&stubService{})

	w := doJSON(r, http.MethodGet, "/api/v1/emergency/status/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVoiceScriptEndpoint(t *testing.T) {
	r := setupRouter(&stubService{script: "Hello, this is the Connect Care automated emergency system."})

	w := doJSON(r, http.MethodGet, "/api/v1/emergency/voice-script/"+uuid.New().String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Connect Care")
}
