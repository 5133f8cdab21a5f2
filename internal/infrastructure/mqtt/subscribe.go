package mqtt

import (
	"fmt"
)

// Subscribe registers handler for topic on the live connection. Topic may
// be a filter with + and # wildcards. The subscription is restored after
// every reconnect.
//
// Handlers run on paho's delivery goroutine and must not block; the
// gateway hands messages to its loop and returns.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkSubscription(topic, qos, handler); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(topic, qos, handler)
	if err := c.subscribe(topic, qos, handler); err != nil {
		c.untrack(topic)
		return err
	}
	return nil
}

// SubscribeOnConnect is Subscribe for a client that may not be connected
// yet. The subscription is tracked immediately and made on the next
// connect; if the client is already connected it is made now.
//
// An error from the live subscribe leaves the subscription tracked, so the
// next reconnect retries it.
func (c *Client) SubscribeOnConnect(topic string, qos byte, handler MessageHandler) error {
	if err := checkSubscription(topic, qos, handler); err != nil {
		return err
	}

	c.track(topic, qos, handler)
	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(topic, qos, handler)
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether topic, as passed to Subscribe, is tracked.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}

func checkSubscription(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, true); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	return nil
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	return await(token, defaultPublishTimeout, ErrSubscribeFailed)
}

func (c *Client) track(topic string, qos byte, handler MessageHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
}

func (c *Client) untrack(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, topic)
}
