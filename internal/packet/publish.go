package packet

import (
	"encoding/binary"

	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

type QoSLevel uint8

const (
	QoSAtMostOnce  QoSLevel = 0                        // QoS 0
	QoSAtLeastOnce QoSLevel = 1                        // QoS 1
	QoSExactlyOnce QoSLevel = 2                        // QoS 2
	MaxPayloadSize          = utils.MaxRemainingLength // 256MB - 1 (MQTT 3.1.1 max remaining length)
)

// MinQoS returns the lower of two QoS levels, the effective delivery
// level for a publish routed to a subscription.
func MinQoS(a, b QoSLevel) QoSLevel {
	if a < b {
		return a
	}
	return b
}

// MaxQoS returns the higher of two QoS levels.
func MaxQoS(a, b QoSLevel) QoSLevel {
	if a > b {
		return a
	}
	return b
}

type PublishPacket struct {
	// Fixed Header
	DUP    bool
	QoS    QoSLevel
	Retain bool

	// Variable Header
	Topic    string
	PacketID *uint16 // nil for QoS 0, pointer to ID for QoS 1/2

	// Payload
	Payload []byte

	// Raw
	Raw []byte
}

func (pp *PublishPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Publish",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	if Type(raw[0]) != PUBLISH {
		return &er.Err{
			Context: "Publish",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	pp.Raw = raw

	remainingLength, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	// Total expected length = 1 (fixed header) + length field + remaining length
	if len(raw) != 1+lenSize+remainingLength {
		return &er.Err{
			Context: "Publish, Packet Length",
			Message: er.ErrInvalidPacketLength,
		}
	}
	offset := 1 + lenSize

	// Extract flags from fixed header
	fixedHeader := raw[0]
	pp.DUP = (fixedHeader & 0x08) != 0
	pp.QoS = QoSLevel((fixedHeader & 0x06) >> 1)
	pp.Retain = (fixedHeader & 0x01) != 0

	if pp.QoS > QoSExactlyOnce {
		return &er.Err{
			Context: "Publish, QoS",
			Message: er.ErrInvalidQoSLevel,
		}
	}

	// MQTT 3.1.1: DUP must be 0 for QoS 0
	if pp.DUP && pp.QoS == QoSAtMostOnce {
		return &er.Err{
			Context: "Publish, DUP Flag",
			Message: er.ErrInvalidDUPFlag,
		}
	}

	// Topic name
	if offset+2 > len(raw) {
		return &er.Err{
			Context: "Publish",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	if topicLen == 0 {
		return &er.Err{
			Context: "Publish, Topic",
			Message: er.ErrEmptyTopic,
		}
	}

	if offset+int(topicLen) > len(raw) {
		return &er.Err{
			Context: "Publish, Topic",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	pp.Topic = string(raw[offset : offset+int(topicLen)])
	offset += int(topicLen)

	if err := utils.ValidateTopicName(pp.Topic); err != nil {
		return err
	}

	// Packet ID (only for QoS > 0)
	if pp.QoS != QoSAtMostOnce {
		if offset+2 > len(raw) {
			return &er.Err{
				Context: "Publish, PacketID",
				Message: er.ErrMissingPacketID,
			}
		}

		packetID := binary.BigEndian.Uint16(raw[offset : offset+2])
		if packetID == 0 {
			return &er.Err{
				Context: "Publish, PacketID",
				Message: er.ErrInvalidPacketID,
			}
		}
		pp.PacketID = &packetID
		offset += 2
	}

	// Payload (rest of the packet)
	if offset < len(raw) {
		payloadLen := len(raw) - offset

		if payloadLen > MaxPayloadSize {
			return &er.Err{
				Context: "Publish, Payload",
				Message: er.ErrPayloadTooLarge,
			}
		}

		pp.Payload = make([]byte, payloadLen)
		copy(pp.Payload, raw[offset:])
	}

	return nil
}

// Encode converts the PUBLISH packet to bytes
func (pp *PublishPacket) Encode() []byte {
	header := byte(PUBLISH)
	if pp.DUP {
		header |= 0x08
	}
	header |= byte(pp.QoS) << 1
	if pp.Retain {
		header |= 0x01
	}

	var body []byte
	body = append(body, utils.EncodeString(pp.Topic)...)
	if pp.QoS != QoSAtMostOnce && pp.PacketID != nil {
		body = append(body, utils.EncodePacketID(*pp.PacketID)...)
	}
	body = append(body, pp.Payload...)

	packet := []byte{header}
	packet = append(packet, utils.EncodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	return packet
}
