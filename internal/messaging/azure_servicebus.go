package messaging

import (
	"context"
	"encoding/json"

	"example.com/crmstack/services/automation/config"
	"example.com/crmstack/services/automation/internal/engine"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// eventEnvelope is the wire shape CRM services publish to the automation
// queue. Depth is only set on messages republished by the engine itself.
type eventEnvelope struct {
	Type       string                 `json:"type"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	Data       map[string]interface{} `json:"data"`
	UserID     *uuid.UUID             `json:"userId"`
	TenantID   uuid.UUID              `json:"tenantId"`
	Depth      int                    `json:"depth"`
}

// Consumer receives CRM domain events from Azure Service Bus and feeds them
// into the emitter.
type Consumer struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	emitter   *engine.Emitter
	queueName string
}

// NewConsumer creates a new Service Bus consumer
func NewConsumer(cfg config.AzureConfig, emitter *engine.Emitter) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &Consumer{
		client:    client,
		receiver:  receiver,
		emitter:   emitter,
		queueName: cfg.QueueName,
	}, nil
}

// Run receives messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("queue", c.queueName).Msg("Service Bus consumer started")

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive messages")
			continue
		}

		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg *azservicebus.ReceivedMessage) {
	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		// Malformed payloads can never succeed; dead-letter them.
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Malformed event message")
		if dlErr := c.receiver.DeadLetterMessage(ctx, msg, nil); dlErr != nil {
			log.Error().Err(dlErr).Msg("Failed to dead-letter message")
		}
		return
	}

	_, err := c.emitter.Emit(ctx, engine.EmitParams{
		Type:       envelope.Type,
		EntityType: envelope.EntityType,
		EntityID:   envelope.EntityID,
		Data:       envelope.Data,
		UserID:     envelope.UserID,
		TenantID:   envelope.TenantID,
		Depth:      envelope.Depth,
	})
	if err != nil {
		var validation *engine.ValidationError
		var recursion *engine.RecursionLimitError
		if errors.As(err, &validation) || errors.As(err, &recursion) {
			// Permanently unprocessable; completing avoids redelivery loops.
			log.Warn().Err(err).Str("type", envelope.Type).Msg("Event rejected")
			if cErr := c.receiver.CompleteMessage(ctx, msg, nil); cErr != nil {
				log.Error().Err(cErr).Msg("Failed to complete rejected message")
			}
			return
		}

		// Overflow and infrastructure failures are worth a redelivery.
		log.Error().Err(err).Str("type", envelope.Type).Msg("Event emission failed, abandoning")
		if aErr := c.receiver.AbandonMessage(ctx, msg, nil); aErr != nil {
			log.Error().Err(aErr).Msg("Failed to abandon message")
		}
		return
	}

	if err := c.receiver.CompleteMessage(ctx, msg, nil); err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to complete message")
	}
}

// Close closes the receiver and client.
func (c *Consumer) Close() error {
	ctx := context.Background()
	if c.receiver != nil {
		if err := c.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if c.client != nil {
		return c.client.Close(ctx)
	}
	return nil
}
