package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	gomail "gopkg.in/gomail.v2"

	"github.com/connectcare/emergency-api/internal/config"
	"github.com/connectcare/emergency-api/internal/model"
)

// ErrUnreachable marks an attempt that never reached the remote side.
// The dispatcher queues these as pending actions instead of burning
// retries while the network is down.
var ErrUnreachable = errors.New("dispatch target unreachable")

// Adapter is the uniform contract for external-action senders. Attempt
// returns a human-readable detail for the audit trail; the engine's own
// retry counting is the safety net, adapters are not assumed idempotent
// on the receiving side.
type Adapter interface {
	Type() model.ActionType
	Attempt(ctx context.Context, payload *model.DispatchPayload) (string, error)
}

// classify folds transport-level failures into ErrUnreachable so the
// dispatcher can tell "network down" from "gateway said no".
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body interface{}) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, respBody)
	}
	return string(respBody), nil
}

// VoiceCallAdapter initiates an automated voice call through a telephony
// gateway. The gateway fetches the call script from our callback URL, so
// the payload only carries the reference and destination.
type VoiceCallAdapter struct {
	client      *http.Client
	gatewayURL  string
	callbackURL string
}

func NewVoiceCallAdapter(cfg config.DispatchConfig) *VoiceCallAdapter {
	return &VoiceCallAdapter{
		client:      &http.Client{Timeout: 10 * time.Second},
		gatewayURL:  cfg.VoiceGatewayURL,
		callbackURL: cfg.CallbackBaseURL,
	}
}

func (a *VoiceCallAdapter) Type() model.ActionType { return model.ActionVoiceCall }

func (a *VoiceCallAdapter) Attempt(ctx context.Context, payload *model.DispatchPayload) (string, error) {
	if payload.CaretakerPhone == "" {
		return "", fmt.Errorf("no caretaker phone for voice dispatch")
	}

	body := map[string]string{
		"to":         payload.CaretakerPhone,
		"script_url": fmt.Sprintf("%s/api/v1/emergency/voice-script/%s", a.callbackURL, payload.EventID),
		"reference":  payload.EventID.String(),
	}

	if _, err := postJSON(ctx, a.client, a.gatewayURL, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("voice call initiated to %s", payload.CaretakerPhone), nil
}

// SMSAdapter sends the caretaker alert text through an SMS gateway.
type SMSAdapter struct {
	client     *http.Client
	gatewayURL string
}

func NewSMSAdapter(cfg config.DispatchConfig) *SMSAdapter {
	return &SMSAdapter{
		client:     &http.Client{Timeout: 10 * time.Second},
		gatewayURL: cfg.SMSGatewayURL,
	}
}

func (a *SMSAdapter) Type() model.ActionType { return model.ActionCaretakerSMS }

func (a *SMSAdapter) Attempt(ctx context.Context, payload *model.DispatchPayload) (string, error) {
	if payload.CaretakerPhone == "" {
		return "", fmt.Errorf("no caretaker phone for SMS dispatch")
	}

	body := map[string]string{
		"to":   payload.CaretakerPhone,
		"text": payload.Message,
	}

	if _, err := postJSON(ctx, a.client, a.gatewayURL, body); err != nil {
		return "", err
	}
	return fmt.Sprintf("SMS sent to %s", payload.CaretakerPhone), nil
}

// WhatsAppAdapter delivers the alert over a CallMeBot-style GET API,
// a free secondary channel when SMS credits run out.
type WhatsAppAdapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewWhatsAppAdapter(cfg config.DispatchConfig) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: cfg.WhatsAppURL,
		apiKey:  cfg.WhatsAppAPIKey,
	}
}

func (a *WhatsAppAdapter) Type() model.ActionType { return model.ActionWhatsApp }

func (a *WhatsAppAdapter) Attempt(ctx context.Context, payload *model.DispatchPayload) (string, error) {
	if payload.CaretakerPhone == "" {
		return "", fmt.Errorf("no caretaker phone for WhatsApp dispatch")
	}

	endpoint := fmt.Sprintf("%s?phone=%s&text=%s&apikey=%s",
		a.baseURL,
		url.QueryEscape(payload.CaretakerPhone),
		url.QueryEscape(payload.Message),
		url.QueryEscape(a.apiKey),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whatsapp gateway returned %d", resp.StatusCode)
	}
	return fmt.Sprintf("WhatsApp alert sent to %s", payload.CaretakerPhone), nil
}

// EmailAdapter mails the caretaker over SMTP.
type EmailAdapter struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailAdapter(cfg config.EmailConfig) *EmailAdapter {
	return &EmailAdapter{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (a *EmailAdapter) Type() model.ActionType { return model.ActionCaretakerEmail }

func (a *EmailAdapter) Attempt(ctx context.Context, payload *model.DispatchPayload) (string, error) {
	if payload.CaretakerEmail == "" {
		return "", fmt.Errorf("no caretaker email for dispatch")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", payload.CaretakerEmail)
	m.SetHeader("Subject", fmt.Sprintf("EMERGENCY ALERT: %s", payload.PatientName))
	m.SetBody("text/plain", payload.Message)

	if err := a.dialer.DialAndSend(m); err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("email sent to %s", payload.CaretakerEmail), nil
}

// LocationShareAdapter publishes the last-known GPS fix to the emergency
// operator endpoint. A missing fix is not a failure: the operator is
// told the location is unavailable, per the degradation policy.
type LocationShareAdapter struct {
	client     *http.Client
	gatewayURL string
}

func NewLocationShareAdapter(cfg config.DispatchConfig) *LocationShareAdapter {
	return &LocationShareAdapter{
		client:     &http.Client{Timeout: 10 * time.Second},
		gatewayURL: cfg.VoiceGatewayURL + "/location",
	}
}

func (a *LocationShareAdapter) Type() model.ActionType { return model.ActionLocationShare }

func (a *LocationShareAdapter) Attempt(ctx context.Context, payload *model.DispatchPayload) (string, error) {
	body := map[string]interface{}{
		"reference": payload.EventID.String(),
	}
	detail := "location unavailable, operator notified"
	if payload.Location != nil {
		body["lat"] = payload.Location.Lat
		body["lon"] = payload.Location.Lon
		body["accuracy_m"] = payload.Location.AccuracyM
		detail = fmt.Sprintf("location shared: %.4f,%.4f", payload.Location.Lat, payload.Location.Lon)
	} else {
		body["unavailable"] = true
	}

	if _, err := postJSON(ctx, a.client, a.gatewayURL, body); err != nil {
		return "", err
	}
	return detail, nil
}
