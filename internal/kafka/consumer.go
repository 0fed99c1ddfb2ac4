package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"

	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/notification"
)

type Config struct {
	Broker  string
	Topic   string
	GroupID string
}

// Consumer reads ticket events off Kafka and feeds them to the ingestion
// pipeline. Malformed and invalid messages are logged and skipped.
type Consumer struct {
	reader *kafka.Reader
	svc    *notification.Service
	logger *logging.Logger
	cancel context.CancelFunc
}

func NewConsumer(cfg Config, svc *notification.Service) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Broker},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, svc: svc, logger: svc.Logger()}
}

func (c *Consumer) Start(wg *sync.WaitGroup) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logger.Infof("Kafka consumer started")
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.Infof("Kafka consumer stopped")
					return
				}
				c.logger.Errorf("Read message failed: %v", err)
				continue
			}

			var event models.NotificationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				c.logger.Errorf("Unmarshal message failed at offset %d: %v", msg.Offset, err)
				continue
			}
			if err := event.Validate(); err != nil {
				c.logger.Errorf("Invalid event at offset %d: %v", msg.Offset, err)
				continue
			}

			c.svc.QueueEvent(event, "kafka")
		}
	}()
}

func (c *Consumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.reader.Close(); err != nil {
		c.logger.Errorf("Failed to close Kafka reader: %v", err)
	}
}
