package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/retry"
)

// SNSAPI is the part of the SNS client the SMS adapter uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region string
}

// SNSAdapter sends SMS by publishing directly to a phone number.
type SNSAdapter struct {
	client SNSAPI
	logger *zap.Logger
}

func NewSNSAdapter(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSNSAdapterWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

func NewSNSAdapterWithClient(client SNSAPI, logger *zap.Logger) *SNSAdapter {
	return &SNSAdapter{client: client, logger: logger}
}

func (s *SNSAdapter) Channel() Channel { return SMS }

func (s *SNSAdapter) Send(ctx context.Context, msg Message) (SendResult, error) {
	phone, err := requireAddress(SMS, msg)
	if err != nil {
		return SendResult{}, err
	}
	if msg.Body == "" {
		return SendResult{}, Permanent(errors.New("sms message is empty"))
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		var invalidParam *types.InvalidParameterException
		var invalidValue *types.InvalidParameterValueException
		if errors.As(err, &invalidParam) || errors.As(err, &invalidValue) {
			return SendResult{}, Permanent(fmt.Errorf("sns rejected sms: %w", err))
		}
		return SendResult{}, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("reference", msg.Reference),
		zap.String("message_id", messageID),
	)

	return SendResult{ProviderMessageID: messageID, Outcome: retry.OutcomeDelivered}, nil
}

// ParseOutcome understands SNS SMS delivery status logs.
func (s *SNSAdapter) ParseOutcome(status string) retry.Outcome {
	switch strings.ToUpper(status) {
	case "SUCCESS", "DELIVERED":
		return retry.OutcomeDelivered
	case "FAILURE", "UNDELIVERED":
		return retry.OutcomeUndelivered
	case "INVALID_NUMBER", "OPTED_OUT":
		return retry.OutcomeInvalidRecipient
	}
	return retry.Outcome(strings.ToLower(status))
}
