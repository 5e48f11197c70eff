package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNoSubscribers = errors.New("bus: no subscribers for topic")

// Bus is a topic-based publish/subscribe and point-to-point messaging fabric.
// Delivery is fire-and-forget: a full subscriber mailbox drops its oldest
// queued message to make room for the new one rather than blocking the
// publisher or losing the newest event.
type Bus interface {
	Publish(topic string, msg Message)
	Subscribe(topic, subscriberName string, mailbox Mailbox) error
	Unsubscribe(topic, subscriberName string, mailbox Mailbox) error
	Send(topic string, msg Message) error
	Request(ctx context.Context, topic string, msg Message) (Message, error)
}

type subscription struct {
	subscriberName string
	mailbox        Mailbox
}

type localBus struct {
	subscribers map[string][]*subscription
	mu          sync.RWMutex
}

func NewBus() Bus {
	return &localBus{
		subscribers: make(map[string][]*subscription),
	}
}

// deliverDropOldest makes a best-effort non-blocking delivery. If the
// mailbox is full, the oldest queued message is evicted to make room.
func deliverDropOldest(mailbox Mailbox, msg Message) {
	select {
	case mailbox <- msg:
		return
	default:
	}

	select {
	case <-mailbox:
	default:
	}

	select {
	case mailbox <- msg:
	default:
	}
}

func (b *localBus) Publish(topic string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[topic] {
		deliverDropOldest(sub.mailbox, msg)
	}
}

func (b *localBus) Subscribe(topic, subscriberName string, mailbox Mailbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], &subscription{
		subscriberName: subscriberName,
		mailbox:        mailbox,
	})
	return nil
}

func (b *localBus) Unsubscribe(topic, subscriberName string, mailbox Mailbox) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return nil
	}
	for i, sub := range subs {
		if sub.mailbox == mailbox && sub.subscriberName == subscriberName {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Send delivers to a single subscriber of topic (the first registered one),
// for point-to-point addressing on top of the same topic space Publish uses.
func (b *localBus) Send(topic string, msg Message) error {
	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return ErrNoSubscribers
	}
	selected := subs[0]
	b.mu.RUnlock()

	deliverDropOldest(selected.mailbox, msg)
	return nil
}

func (b *localBus) Request(ctx context.Context, topic string, msg Message) (Message, error) {
	replyTopic := newReplyTopic()
	msg.ReplyTo = replyTopic

	replyMailbox := make(Mailbox, 1)
	if err := b.Subscribe(replyTopic, "", replyMailbox); err != nil {
		return Message{}, err
	}
	defer b.Unsubscribe(replyTopic, "", replyMailbox)

	if err := b.Send(topic, msg); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-replyMailbox:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func newReplyTopic() string {
	return "reply." + uuid.New().String()
}
