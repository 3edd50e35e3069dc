// Package fakemsgbroker provides an in-memory MsgBroker for tests. Messages
// are delivered synchronously in publish order, which matches the per-topic
// ordering guarantee of the real broker.
package fakemsgbroker

import (
	"context"
	"fmt"
	"io"
	"sync"

	mbroker "github.com/gavelhq/gavel-core/msgbroker"
)

// FakeMsgBroker is an in-memory MsgBroker.
type FakeMsgBroker struct {
	lock          sync.Mutex
	nextID        int
	handlers      map[string][]registration
	topicMessages map[string][][]byte
}

type registration struct {
	id      int
	handler mbroker.TopicHandler
}

// New returns a new FakeMsgBroker.
func New() *FakeMsgBroker {
	return &FakeMsgBroker{
		handlers:      map[string][]registration{},
		topicMessages: map[string][][]byte{},
	}
}

var _ mbroker.MsgBroker = (*FakeMsgBroker)(nil)

// RegisterTopicHandler registers a handler for a topic.
func (b *FakeMsgBroker) RegisterTopicHandler(
	topic mbroker.TopicName,
	handler mbroker.TopicHandler,
	opts ...mbroker.Option) (io.Closer, error) {
	_ = mbroker.ApplyRegisterHandlerOptions(opts...)

	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[string(topic)] = append(b.handlers[string(topic)], registration{id: id, handler: handler})

	return &unregisterer{b: b, topic: string(topic), id: id}, nil
}

// PublishMsg records the message and delivers it synchronously to every
// registered handler, in registration order. Handler errors are returned
// combined so tests can assert on nacks.
func (b *FakeMsgBroker) PublishMsg(ctx context.Context, topic mbroker.TopicName, data []byte) error {
	b.lock.Lock()
	b.topicMessages[string(topic)] = append(b.topicMessages[string(topic)], data)
	regs := make([]registration, len(b.handlers[string(topic)]))
	copy(regs, b.handlers[string(topic)])
	b.lock.Unlock()

	for _, r := range regs {
		if err := r.handler(ctx, data); err != nil {
			return fmt.Errorf("handling message on %s: %s", topic, err)
		}
	}
	return nil
}

type unregisterer struct {
	b     *FakeMsgBroker
	topic string
	id    int
}

func (u *unregisterer) Close() error {
	u.b.lock.Lock()
	defer u.b.lock.Unlock()
	regs := u.b.handlers[u.topic]
	for i, r := range regs {
		if r.id == u.id {
			u.b.handlers[u.topic] = append(regs[:i], regs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Helpers for tests

// TotalPublished returns the number of messages published on all topics.
func (b *FakeMsgBroker) TotalPublished() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	var count int
	for _, msgs := range b.topicMessages {
		count += len(msgs)
	}
	return count
}

// TotalPublishedTopic returns the number of messages published on a topic.
func (b *FakeMsgBroker) TotalPublishedTopic(name mbroker.TopicName) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.topicMessages[string(name)])
}

// TotalRegistered returns the number of live handler registrations on a topic.
func (b *FakeMsgBroker) TotalRegistered(name mbroker.TopicName) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.handlers[string(name)])
}

// GetMsg returns the idx-th message published on a topic.
func (b *FakeMsgBroker) GetMsg(name mbroker.TopicName, idx int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	topic := b.topicMessages[string(name)]
	if idx >= len(topic) {
		return nil, fmt.Errorf("topic queue has length %d smaller than idx access %d", len(topic), idx)
	}
	return topic[idx], nil
}
