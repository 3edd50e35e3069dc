// Package gpubsub implements MsgBroker using Google Cloud Pub/Sub.
// Topics are per-auction and published with an ordering key, so events for a
// single auction are delivered in commit order.
package gpubsub

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gavelhq/gavel-core/finalizer"
	"github.com/gavelhq/gavel-core/msgbroker"
	logger "github.com/textileio/go-log/v2"
	"google.golang.org/api/iterator"
)

var log = logger.Logger("msgbroker/gpubsub")

const apiTimeout = time.Second * 10

// PubsubMsgBroker is a MsgBroker backed by Google Cloud Pub/Sub.
type PubsubMsgBroker struct {
	topicPrefix string
	subsName    string

	client          *pubsub.Client
	clientCtx       context.Context
	clientCtxCancel context.CancelFunc

	topicCacheLock sync.Mutex
	topicCache     map[string]*pubsub.Topic
}

var _ msgbroker.MsgBroker = (*PubsubMsgBroker)(nil)

// New returns a new PubsubMsgBroker. subsName scopes subscription names so
// multiple consumers can register on the same topics independently.
func New(projectID, apiKey, topicPrefix, subsName string) (*PubsubMsgBroker, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project-id is empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key is empty")
	}
	if subsName == "" {
		return nil, fmt.Errorf("subscription name is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating pubsub client: %s", err)
	}

	return &PubsubMsgBroker{
		topicPrefix: topicPrefix,
		subsName:    subsName,

		client:          client,
		clientCtx:       ctx,
		clientCtxCancel: cancel,

		topicCache: map[string]*pubsub.Topic{},
	}, nil
}

// RegisterTopicHandler registers a handler for a topic, creating the topic
// and subscription if they don't exist. The returned closer cancels the
// receive loop and deletes nothing server-side.
func (p *PubsubMsgBroker) RegisterTopicHandler(
	topicName msgbroker.TopicName,
	handler msgbroker.TopicHandler,
	opts ...msgbroker.Option) (io.Closer, error) {
	config := msgbroker.ApplyRegisterHandlerOptions(opts...)

	topic, err := p.getTopic(string(topicName))
	if err != nil {
		return nil, fmt.Errorf("get topic: %s", err)
	}

	subscriptionName := p.subsName + "-" + string(topicName)
	var sub *pubsub.Subscription
	ctx, cancel := context.WithTimeout(p.clientCtx, apiTimeout)
	defer cancel()
	it := topic.Subscriptions(ctx)
	for {
		subi, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("looking for subscription: %s", err)
		}
		if subi.ID() == subscriptionName {
			sub = subi
			break
		}
	}
	if sub == nil {
		log.Warnf("creating subscription %s for topic %s", subscriptionName, topicName)

		sconfig := pubsub.SubscriptionConfig{
			Topic:                 topic,
			AckDeadline:           config.AckDeadline,
			EnableMessageOrdering: true,
		}
		ctx, cancel := context.WithTimeout(p.clientCtx, apiTimeout)
		defer cancel()
		sub, err = p.client.CreateSubscription(ctx, subscriptionName, sconfig)
		if err != nil {
			return nil, fmt.Errorf("creating subscription: %s", err)
		}
	}

	receiveCtx, receiveCancel := context.WithCancel(p.clientCtx)
	go func() {
		err := sub.Receive(receiveCtx, func(ctx context.Context, m *pubsub.Message) {
			if err := handler(ctx, m.Data); err != nil {
				log.Errorf("handling message on %s: %s", topicName, err)
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil {
			log.Errorf("receive for subscription %s, topic %s: %s", subscriptionName, topicName, err)
		}
	}()

	log.Debugf("registered handler for %s:%s", subscriptionName, topicName)
	return finalizer.NewContextCloser(receiveCancel), nil
}

// PublishMsg publishes a message to the desired topic. The topic name is
// used as the ordering key, which serializes delivery per auction.
func (p *PubsubMsgBroker) PublishMsg(ctx context.Context, topicName msgbroker.TopicName, data []byte) error {
	topic, err := p.getTopic(string(topicName))
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}
	msg := pubsub.Message{
		Data:        data,
		OrderingKey: string(topicName),
	}
	pr := topic.Publish(ctx, &msg)

	getCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if _, err := pr.Get(getCtx); err != nil {
		topic.ResumePublish(string(topicName))
		return fmt.Errorf("publishing to pubsub: %s", err)
	}
	return nil
}

func (p *PubsubMsgBroker) getTopic(name string) (*pubsub.Topic, error) {
	if p.topicPrefix != "" {
		name = p.topicPrefix + name
	}
	p.topicCacheLock.Lock()
	defer p.topicCacheLock.Unlock()
	topic, ok := p.topicCache[name]
	if ok {
		return topic, nil
	}

	topic = p.client.Topic(name)
	ctx, cancel := context.WithTimeout(p.clientCtx, apiTimeout)
	defer cancel()
	exist, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic exists: %s", err)
	}
	if !exist {
		log.Warnf("creating topic %s", name)

		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("creating topic %s: %s", name, err)
		}
	}
	topic.EnableMessageOrdering = true
	p.topicCache[name] = topic

	return topic, nil
}

// Close cancels all receive loops and releases the client.
func (p *PubsubMsgBroker) Close() error {
	p.clientCtxCancel()
	return p.client.Close()
}
