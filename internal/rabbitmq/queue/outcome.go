package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"
)

const (
	ExchangeName = "remindly-exchange"
	QueueName    = "remindly-outcomes"
	RoutingKey   = "outcome"
)

// Dispatch outcome kinds.
const (
	OutcomeSent      = "sent"      // delivered and marked sent
	OutcomeFailed    = "failed"    // transient channel failure, will retry
	OutcomeExhausted = "exhausted" // retry budget spent, record left pending
)

// OutcomeMessage is published after each dispatch attempt resolves. It is
// the observability surface for delivery: consumers alert on exhausted
// outcomes, which mean a reminder needs operator or later automatic retry.
type OutcomeMessage struct {
	ReminderID uuid.UUID `json:"reminder_id"`
	Outcome    string    `json:"outcome"`
	Attempt    int       `json:"attempt"`
	FireAt     time.Time `json:"fire_at"`
	OccurredAt time.Time `json:"occurred_at"`
	Reason     string    `json:"reason,omitempty"`
}

// OutcomeQueue publishes dispatch outcomes to a durable queue.
type OutcomeQueue struct {
	Publisher *rabbitmq.Publisher
}

func NewOutcomeQueue(ch *rabbitmq.Channel) (*OutcomeQueue, error) {
	exchange := rabbitmq.NewExchange(ExchangeName, "direct")
	if err := exchange.BindToChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to bind to exchange: %w", err)
	}

	qm := rabbitmq.NewQueueManager(ch)

	q, err := qm.DeclareQueue(QueueName, rabbitmq.QueueConfig{Durable: true})
	if err != nil {
		return nil, fmt.Errorf("failed to declare outcomes queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, RoutingKey, exchange.Name(), false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind the exchange to the outcomes queue: %w", err)
	}

	pub := rabbitmq.NewPublisher(ch, exchange.Name())

	return &OutcomeQueue{Publisher: pub}, nil
}

func (q *OutcomeQueue) Publish(msg OutcomeMessage, strategy retry.Strategy) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.Publisher.PublishWithRetry(body, RoutingKey, "application/json", strategy)
}
