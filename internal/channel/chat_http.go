package channel

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/retry"
)

// ChatAdapter sends chat messages through an HTTP messaging API.
type ChatAdapter struct {
	http   httpProvider
	logger *zap.Logger
}

func NewChatAdapter(cfg HTTPConfig, logger *zap.Logger) *ChatAdapter {
	return &ChatAdapter{http: newHTTPProvider(cfg), logger: logger}
}

type chatRequest struct {
	To        string `json:"to"`
	Text      string `json:"text"`
	Reference string `json:"reference"`
}

type chatResponse struct {
	ID string `json:"id"`
}

func (c *ChatAdapter) Channel() Channel { return Chat }

func (c *ChatAdapter) Send(ctx context.Context, msg Message) (SendResult, error) {
	to, err := requireAddress(Chat, msg)
	if err != nil {
		return SendResult{}, err
	}

	var resp chatResponse
	if err := c.http.post(ctx, "/messages", chatRequest{To: to, Text: msg.Body, Reference: msg.Reference}, &resp); err != nil {
		return SendResult{}, err
	}
	if resp.ID == "" {
		return SendResult{}, errors.New("chat provider returned no message id")
	}

	c.logger.Info("chat message sent",
		zap.String("reference", msg.Reference),
		zap.String("message_id", resp.ID),
	)
	return SendResult{ProviderMessageID: resp.ID, Outcome: retry.OutcomeDelivered}, nil
}

func (c *ChatAdapter) ParseOutcome(status string) retry.Outcome {
	switch strings.ToLower(status) {
	case "sent", "delivered", "read":
		return retry.OutcomeDelivered
	case "undelivered", "expired":
		return retry.OutcomeUndelivered
	case "failed", "rejected", "blocked":
		return retry.OutcomeFailed
	case "invalid_recipient", "unknown_recipient":
		return retry.OutcomeInvalidRecipient
	}
	return retry.Outcome(strings.ToLower(status))
}
