package packet

import (
	"encoding/binary"

	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

type SubscribeFilter struct {
	Topic string
	QoS   QoSLevel
}

type SubscribePacket struct {
	// Fixed Header (flags are reserved and must be 0010)

	// Variable Header
	PacketID uint16

	// Payload
	Filters []SubscribeFilter

	// Raw
	Raw []byte
}

func (sp *SubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Subscribe",
			Message: er.ErrInvalidSubscribePacket,
		}
	}

	if Type(raw[0]) != SUBSCRIBE {
		return &er.Err{
			Context: "Subscribe",
			Message: er.ErrInvalidSubscribePacket,
		}
	}

	// MQTT 3.1.1: SUBSCRIBE fixed header flags must be 0010 (bits 3,2,1,0)
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{
			Context: "Subscribe, Fixed Header",
			Message: er.ErrInvalidSubscribeFlags,
		}
	}

	sp.Raw = raw

	remainingLength, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	if len(raw) != 1+lenSize+remainingLength {
		return &er.Err{
			Context: "Subscribe, Packet Length",
			Message: er.ErrInvalidPacketLength,
		}
	}
	offset := 1 + lenSize

	// 2 bytes PacketID + 2 bytes topic length + 1 byte topic + 1 byte QoS
	if remainingLength < 6 {
		return &er.Err{
			Context: "Subscribe",
			Message: er.ErrInvalidSubscribePacket,
		}
	}

	sp.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if sp.PacketID == 0 {
		return &er.Err{
			Context: "Subscribe, PacketID",
			Message: er.ErrInvalidPacketID,
		}
	}
	offset += 2

	// Payload (topic filter, requested QoS) pairs. Filters are decoded
	// even when invalid; per-filter admission is the broker's decision,
	// answered with 0x80 in the SUBACK.
	sp.Filters = make([]SubscribeFilter, 0)

	for offset < len(raw) {
		if offset+2 > len(raw) {
			return &er.Err{
				Context: "Subscribe, Topic Filter",
				Message: er.ErrInvalidSubscribePacket,
			}
		}

		topicLen := binary.BigEndian.Uint16(raw[offset : offset+2])
		offset += 2

		if offset+int(topicLen) > len(raw) {
			return &er.Err{
				Context: "Subscribe, Topic Filter",
				Message: er.ErrInvalidSubscribePacket,
			}
		}

		topicFilter := string(raw[offset : offset+int(topicLen)])
		offset += int(topicLen)

		if offset >= len(raw) {
			return &er.Err{
				Context: "Subscribe, QoS",
				Message: er.ErrMissingQoSByte,
			}
		}

		qosByte := raw[offset]
		// MQTT 3.1.1: Reserved bits (7,6,5,4,3,2) must be 0
		if (qosByte & 0xFC) != 0 {
			return &er.Err{
				Context: "Subscribe, QoS",
				Message: er.ErrInvalidQoSReservedBits,
			}
		}
		offset++

		sp.Filters = append(sp.Filters, SubscribeFilter{
			Topic: topicFilter,
			QoS:   QoSLevel(qosByte & 0x03),
		})
	}

	// MQTT 3.1.1: SUBSCRIBE must contain at least one topic filter
	if len(sp.Filters) == 0 {
		return &er.Err{
			Context: "Subscribe",
			Message: er.ErrNoTopicFilters,
		}
	}

	return nil
}

// Encode converts the SUBSCRIBE packet to bytes
func (sp *SubscribePacket) Encode() []byte {
	var body []byte
	body = append(body, utils.EncodePacketID(sp.PacketID)...)
	for _, filter := range sp.Filters {
		body = append(body, utils.EncodeString(filter.Topic)...)
		body = append(body, byte(filter.QoS))
	}

	packet := []byte{byte(SUBSCRIBE) | 0x02}
	packet = append(packet, utils.EncodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	return packet
}
