package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewConsumer(url, queue string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run calls onKick for each kick until ctx is done. Kicks are acked after
// onKick returns; malformed ones are dropped.
func (c *Consumer) Run(ctx context.Context, onKick func(ctx context.Context, msg KickMessage)) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	return consume(ctx, msgs, onKick)
}

var errDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

func consume(ctx context.Context, msgs <-chan amqp.Delivery, onKick func(ctx context.Context, msg KickMessage)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errDeliveriesClosed
			}
			handleDelivery(ctx, d, onKick)
		}
	}
}

// handleDelivery acks a decoded kick once onKick returns and drops
// undecodable bodies without requeueing them.
func handleDelivery(ctx context.Context, d amqp.Delivery, onKick func(ctx context.Context, msg KickMessage)) {
	var m KickMessage
	if err := json.Unmarshal(d.Body, &m); err != nil {
		log.Printf("[rabbitmq] bad kick message: %v", err)
		if err := d.Nack(false, false); err != nil {
			log.Printf("[rabbitmq] nack failed err=%v", err)
		}
		return
	}

	start := time.Now()
	onKick(ctx, m)
	if err := d.Ack(false); err != nil {
		log.Printf("[rabbitmq] ack failed reason=%s cost=%s err=%v", m.Reason, time.Since(start), err)
	}
}
