// Package sns publishes operator alerts to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Alert kinds
const (
	KindIsolationViolation = "isolation_violation"
	KindCampaignFailed     = "campaign_failed"
	KindCampaignCompleted  = "campaign_completed"
)

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Alert is the JSON body of a published message.
type Alert struct {
	Kind       string            `json:"kind"`
	TenantID   string            `json:"tenant_id"`
	Subject    string            `json:"subject"`
	Attributes map[string]string `json:"attributes,omitempty"`
	RaisedAt   time.Time         `json:"raised_at"`
}

// Publisher handles SNS topic publishing for operator alerts
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, region, topicARN string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, region, topicARN, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// Notify publishes one alert. Subscriptions can filter on the kind and
// tenant_id message attributes.
func (p *Publisher) Notify(ctx context.Context, kind string, tenantID uuid.UUID, subject string, attrs map[string]string) error {
	alert := Alert{
		Kind:       kind,
		TenantID:   tenantID.String(),
		Subject:    subject,
		Attributes: attrs,
		RaisedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(kind),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.TenantID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("alert published",
		zap.String("kind", kind),
		zap.String("tenant_id", alert.TenantID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
