package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/retry"
)

// SESAPI is the part of the SES client the adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// SESAdapter sends email through AWS SES. SES accepting the message counts
// as delivered for the attempt; later bounces arrive as status callbacks.
type SESAdapter struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewSESAdapter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESAdapterWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

func NewSESAdapterWithClient(client SESAPI, from string, logger *zap.Logger) *SESAdapter {
	return &SESAdapter{client: client, from: from, logger: logger}
}

func (s *SESAdapter) Channel() Channel { return Email }

func (s *SESAdapter) Send(ctx context.Context, msg Message) (SendResult, error) {
	to, err := requireAddress(Email, msg)
	if err != nil {
		return SendResult{}, err
	}
	if msg.Subject == "" {
		return SendResult{}, Permanent(errors.New("email message missing subject"))
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("reference"), Value: aws.String(msg.Reference)},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return SendResult{}, Permanent(fmt.Errorf("ses rejected message: %w", err))
		}
		return SendResult{}, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("reference", msg.Reference),
		zap.String("message_id", messageID),
	)

	return SendResult{ProviderMessageID: messageID, Outcome: retry.OutcomeDelivered}, nil
}

// ParseOutcome understands SES notification types.
func (s *SESAdapter) ParseOutcome(status string) retry.Outcome {
	switch strings.ToLower(status) {
	case "delivery", "delivered", "send":
		return retry.OutcomeDelivered
	case "bounce", "bounced":
		return retry.OutcomeBounced
	case "reject", "rejected", "complaint":
		return retry.OutcomeFailed
	case "deliverydelay", "delivery_delay":
		return retry.OutcomeTransientError
	}
	return retry.Outcome(strings.ToLower(status))
}
