package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-landmarket/internal/models"
)

// Producer streams reservation and settlement events. One writer serves
// all topics; the topic is set per message.
type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &Producer{Writer: writer}
}

// Publish sends a raw message to a topic.
func (p *Producer) Publish(topic, key string, value []byte) error {
	fmt.Printf("Publishing to Kafka [%s]: %s\n", topic, string(value))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: value,
		},
	)
}

func (p *Producer) publish(topic, key string, payload interface{}) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Publish(topic, key, msgBytes)
}

// PublishReservationCreated streams the reservation creation event to Kafka
func (p *Producer) PublishReservationCreated(r models.Reservation) error {
	return p.publish(TopicReservationCreated, r.ReservationID, r)
}

// PublishReservationExpired streams the reservation expiry event to Kafka
func (p *Producer) PublishReservationExpired(r models.Reservation) error {
	return p.publish(TopicReservationExpired, r.ReservationID, r)
}

// PublishReservationFailed streams the reservation failure event to Kafka
func (p *Producer) PublishReservationFailed(r models.Reservation) error {
	return p.publish(TopicReservationFailed, r.ReservationID, r)
}

// PublishSettlementCompleted streams the settlement event to Kafka
func (p *Producer) PublishSettlementCompleted(r models.Reservation) error {
	return p.publish(TopicSettlementCompleted, r.ReservationID, r)
}

// PublishReferralEarned streams the referral commission event to Kafka
func (p *Producer) PublishReferralEarned(e models.ReferralEarning) error {
	return p.publish(TopicReferralEarned, e.ReservationID, e)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
