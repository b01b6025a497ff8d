package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps outgoing payloads. Translated messages are a few
// hundred bytes at most; anything near this is a bug.
const maxPayloadSize = 1 << 20

// Publish sends a message and waits for the broker's acknowledgement.
//
// Parameters:
//   - topic: Concrete topic, no wildcards (e.g., "led/config/state")
//   - payload: Message body, at most 1MB
//   - qos: 0, 1 or 2
//   - retained: Whether the broker keeps the message for new subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected or ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := c.await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed); err != nil {
		return err
	}
	c.published.Add(1)
	return nil
}

// await waits for token and wraps a timeout or broker error in failed.
func (c *Client) await(token pahomqtt.Token, failed error) error {
	if !token.WaitTimeout(c.opTimeout) {
		return fmt.Errorf("%w: no acknowledgement within %v", failed, c.opTimeout)
	}
	if err := token.Error(); err != nil {
		c.recordError(err)
		return fmt.Errorf("%w: %w", failed, err)
	}
	return nil
}
