package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// AlertMessage is the wire shape of one published alert.
type AlertMessage struct {
	MessageID     string    `json:"message_id"`
	AlertID       int64     `json:"alert_id"`
	IndicatorType string    `json:"indicator_type"`
	Value         string    `json:"value"`
	Domain        string    `json:"domain,omitempty"`
	IP            string    `json:"ip,omitempty"`
	SourceIP      string    `json:"source_ip"`
	FeedName      string    `json:"feed_name"`
	QueryType     string    `json:"query_type,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertPublisher forwards newly created alerts to the broker.
type AlertPublisher struct {
	mq     *RabbitMQ
	logger *logrus.Logger
}

func NewAlertPublisher(mq *RabbitMQ, logger *logrus.Logger) *AlertPublisher {
	return &AlertPublisher{mq: mq, logger: logger}
}

// Notify publishes one alert as a JSON message.
func (p *AlertPublisher) Notify(ctx context.Context, alert *domain.ThreatAlert) error {
	msg := &AlertMessage{
		MessageID:     uuid.New().String(),
		AlertID:       alert.ID,
		IndicatorType: string(alert.IndicatorType),
		Value:         alert.Value(),
		Domain:        alert.Domain,
		IP:            alert.IP,
		SourceIP:      alert.SourceIP,
		FeedName:      alert.FeedName,
		QueryType:     alert.QueryType,
		CreatedAt:     alert.CreatedAt,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := p.mq.Publish(ctx, body); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"value":    msg.Value,
		"feed":     alert.FeedName,
	}).Info("Alert published")
	return nil
}
