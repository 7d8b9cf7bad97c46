package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/events"
)

// ConsumerConfig tunes long polling.
type ConsumerConfig struct {
	QueueURL          string
	MaxMessages       int32
	WaitSeconds       int32
	VisibilityTimeout int32
}

// Consumer moves queued events onto a publisher, normally the evaluator
// bus. A message is deleted only after the hand-off succeeded, so a crash
// in between redelivers it and the evaluator's dedupe absorbs the repeat.
type Consumer struct {
	client API
	out    events.Publisher
	config ConsumerConfig
	logger *zap.Logger
	// backoff after a failed receive
	backoff time.Duration
}

func NewConsumer(client API, out events.Publisher, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	logger.Info("sqs consumer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Consumer{
		client:  client,
		out:     out,
		config:  cfg,
		logger:  logger.Named("sqs_consumer"),
		backoff: 5 * time.Second,
	}
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopped")
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.backoff):
			}
		}
	}
}

// Poll receives one batch and hands it off. It returns how many messages
// were handed off and deleted.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, err
	}

	handed := 0
	for _, msg := range result.Messages {
		if c.handle(ctx, msg) {
			handed++
		}
	}
	return handed, nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) bool {
	log := c.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	var ev events.Event
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil {
		// a body that never decodes would be redelivered forever
		log.Error("dropping undecodable event", zap.Error(err))
		c.delete(ctx, msg, log)
		return false
	}

	if err := c.out.Publish(ctx, ev); err != nil {
		if errors.Is(err, events.ErrBusClosed) || ctx.Err() != nil {
			c.release(msg, log)
			return false
		}
		if errors.Is(err, events.ErrUnknownType) || ev.Validate() != nil {
			log.Error("dropping invalid event", zap.String("event_id", ev.ID), zap.Error(err))
			c.delete(ctx, msg, log)
			return false
		}
		log.Warn("event hand-off failed", zap.String("event_id", ev.ID), zap.Error(err))
		c.release(msg, log)
		return false
	}

	return c.delete(ctx, msg, log)
}

func (c *Consumer) delete(ctx context.Context, msg types.Message, log *zap.Logger) bool {
	_, err := c.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Warn("sqs delete failed", zap.Error(err))
		return false
	}
	return true
}

// release makes a message visible again right away instead of after the
// visibility timeout.
func (c *Consumer) release(msg types.Message, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.config.QueueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		log.Warn("sqs change visibility failed", zap.Error(err))
	}
}
