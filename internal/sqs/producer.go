package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/events"
)

// Producer publishes events to the queue. It satisfies events.Publisher.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized", zap.String("queue_url", queueURL))
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger.Named("sqs_producer"),
	}
}

// Publish sends ev as a JSON message. Type and tenant ride along as message
// attributes for queue-side filtering.
func (p *Producer) Publish(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type":      {DataType: aws.String("String"), StringValue: aws.String(string(ev.Type))},
			"tenant_id": {DataType: aws.String("String"), StringValue: aws.String(ev.TenantID.String())},
		},
	})
	if err != nil {
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("event_id", ev.ID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("event enqueued",
		zap.String("event_id", ev.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
