package broker

import (
	"github.com/emberq/emberq/internal/packet"
	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

// WillMessage is the message the broker publishes on behalf of a client
// that disappears without a DISCONNECT. Immutable after construction;
// NewWillMessage is the only way to obtain a valid one.
type WillMessage struct {
	Topic        string
	Payload      []byte
	QoS          packet.QoSLevel
	Retain       bool
	DelaySeconds uint32
}

// NewWillMessage validates and constructs a will message. The topic must
// be a concrete topic (no wildcards), the qos a valid level, and the
// delay non-negative.
func NewWillMessage(topic string, payload []byte, qos packet.QoSLevel, retain bool, delaySeconds int64) (*WillMessage, error) {
	if err := utils.ValidateTopicName(topic); err != nil {
		return nil, &er.Err{
			Context: "WillMessage, Topic",
			Message: er.ErrInvalidWillTopic,
		}
	}
	if qos > packet.QoSExactlyOnce {
		return nil, &er.Err{
			Context: "WillMessage, QoS",
			Message: er.ErrInvalidQoSLevel,
		}
	}
	if delaySeconds < 0 {
		return nil, &er.Err{
			Context: "WillMessage, DelayInterval",
			Message: er.ErrNegativeWillDelay,
		}
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return &WillMessage{
		Topic:        topic,
		Payload:      payloadCopy,
		QoS:          qos,
		Retain:       retain,
		DelaySeconds: uint32(delaySeconds),
	}, nil
}
