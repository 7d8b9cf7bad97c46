package channel

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/retry"
)

// VoiceConfig adds the assistant that places the calls.
type VoiceConfig struct {
	HTTPConfig
	AssistantID string
}

// VoiceAdapter places outbound calls through an HTTP voice assistant API.
// A call's outcome is only known when the provider reports the end of the
// call, so sends are always pending.
type VoiceAdapter struct {
	http        httpProvider
	assistantID string
	logger      *zap.Logger
}

func NewVoiceAdapter(cfg VoiceConfig, logger *zap.Logger) *VoiceAdapter {
	return &VoiceAdapter{http: newHTTPProvider(cfg.HTTPConfig), assistantID: cfg.AssistantID, logger: logger}
}

type callRequest struct {
	AssistantID  string            `json:"assistant_id"`
	PhoneNumber  string            `json:"phone_number"`
	FirstMessage string            `json:"first_message,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

type callResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (v *VoiceAdapter) Channel() Channel { return Voice }

func (v *VoiceAdapter) Send(ctx context.Context, msg Message) (SendResult, error) {
	phone, err := requireAddress(Voice, msg)
	if err != nil {
		return SendResult{}, err
	}

	req := callRequest{
		AssistantID:  v.assistantID,
		PhoneNumber:  phone,
		FirstMessage: msg.Body,
		Metadata: map[string]string{
			"reference": msg.Reference,
			"tenant_id": msg.TenantID.String(),
		},
	}

	var resp callResponse
	if err := v.http.post(ctx, "/calls", req, &resp); err != nil {
		return SendResult{}, err
	}
	if resp.ID == "" {
		return SendResult{}, errors.New("voice provider returned no call id")
	}

	v.logger.Info("voice call queued",
		zap.String("reference", msg.Reference),
		zap.String("call_id", resp.ID),
		zap.String("status", resp.Status),
	)
	return SendResult{ProviderMessageID: resp.ID, Pending: true}, nil
}

// ParseOutcome maps call end states.
func (v *VoiceAdapter) ParseOutcome(status string) retry.Outcome {
	switch strings.ReplaceAll(strings.ToLower(status), "-", "_") {
	case "completed", "answered":
		return retry.OutcomeAnswered
	case "busy", "customer_busy":
		return retry.OutcomeBusy
	case "no_answer", "customer_did_not_answer":
		return retry.OutcomeNoAnswer
	case "voicemail":
		return retry.OutcomeVoicemail
	case "failed", "canceled":
		return retry.OutcomeFailed
	case "invalid_number":
		return retry.OutcomeInvalidRecipient
	}
	return retry.Outcome(strings.ToLower(status))
}
