package service

import (
	"encoding/json"
	"time"

	"github.com/Astemirdum/lending-service/internal/model"
	"github.com/Astemirdum/lending-service/pkg/circuit_breaker"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Notifier publishes reservation lifecycle events for the notification
// service to deliver. The circuit breaker keeps a dead broker from stalling
// request handling: once open, publishes degrade to fast no-ops.
type Notifier struct {
	producer sarama.SyncProducer
	cb       circuit_breaker.CircuitBreaker
	topic    string
	log      *zap.Logger
}

func NewNotifier(producer sarama.SyncProducer, topic string, log *zap.Logger) *Notifier {
	return &Notifier{
		producer: producer,
		cb:       circuit_breaker.New(20, 30*time.Second, 0.5, 5),
		topic:    topic,
		log:      log.Named("notifier"),
	}
}

func (n *Notifier) Publish(event model.ReservationEvent) {
	go func() {
		data, err := json.Marshal(event)
		if err != nil {
			n.log.Error("marshal event", zap.Error(err))
			return
		}
		err = n.cb.Call(func() error {
			msg := &sarama.ProducerMessage{Topic: n.topic, Value: sarama.StringEncoder(data)}
			_, _, err := n.producer.SendMessage(msg)
			return err
		})
		if err != nil {
			n.log.Warn("publish event", zap.String("kind", event.Kind), zap.Error(err))
		}
	}()
}
