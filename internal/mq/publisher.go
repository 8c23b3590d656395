// Package mq publishes Deployment Record lifecycle transitions onto a
// RabbitMQ topic exchange for external subscribers (a monitoring/audit
// service, out of this repository's scope, is the intended consumer).
// Grounded on the old deploy-service worker's exchange/queue declaration
// and publish idiom, with the direction reversed: there the worker
// consumed deployment jobs off a queue, here the Deployment Manager is
// the producer, never a consumer, since this control plane drives its
// own pipeline in-process rather than off a queue.
package mq

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeName = "deployments"

// Event is one deployment lifecycle transition, published as JSON.
type Event struct {
	Type         string    `json:"type"` // e.g. "deploy.queued", "deploy.deployed", "deploy.error", "deploy.deleted"
	Project      string    `json:"project"`
	DeploymentID string    `json:"deployment_id"`
	State        string    `json:"state"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher publishes Events onto a durable topic exchange.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher dials rabbitMQURL and declares the topic exchange.
func NewPublisher(rabbitMQURL string) (*Publisher, error) {
	conn, err := amqp.Dial(rabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{conn: conn, channel: ch}, nil
}

// Publish emits evt under the routing key evt.Type. Failures are logged,
// not propagated: lifecycle publishing is an ambient audit trail, not
// part of the Deployment Manager's own correctness, so a broker outage
// must never stall a deployment worker.
func (p *Publisher) Publish(evt Event) {
	evt.Timestamp = time.Now()

	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("❌ mq: marshal event %s for %s: %v", evt.Type, evt.Project, err)
		return
	}

	err = p.channel.Publish(
		exchangeName,
		evt.Type,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   evt.Timestamp,
		},
	)
	if err != nil {
		log.Printf("❌ mq: publish event %s for %s: %v", evt.Type, evt.Project, err)
	}
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
