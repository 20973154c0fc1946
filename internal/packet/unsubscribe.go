package packet

import (
	"encoding/binary"

	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

type UnsubscribePacket struct {
	// Fixed Header (flags are reserved and must be 0010)

	// Variable Header
	PacketID uint16

	// Payload
	TopicFilters []string

	// Raw
	Raw []byte
}

func (up *UnsubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Unsubscribe",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}

	if Type(raw[0]) != UNSUBSCRIBE {
		return &er.Err{
			Context: "Unsubscribe",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}

	// MQTT 3.1.1: UNSUBSCRIBE fixed header flags must be 0010 (bits 3,2,1,0)
	if (raw[0] & 0x0F) != 0x02 {
		return &er.Err{
			Context: "Unsubscribe, Fixed Header",
			Message: er.ErrInvalidUnsubscribeFlags,
		}
	}

	up.Raw = raw

	remainingLength, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	if len(raw) != 1+lenSize+remainingLength {
		return &er.Err{
			Context: "Unsubscribe, Packet Length",
			Message: er.ErrInvalidPacketLength,
		}
	}
	offset := 1 + lenSize

	// 2 bytes PacketID + 2 bytes topic length + 1 byte topic (minimum)
	if remainingLength < 5 {
		return &er.Err{
			Context: "Unsubscribe",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}

	up.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if up.PacketID == 0 {
		return &er.Err{
			Context: "Unsubscribe, PacketID",
			Message: er.ErrInvalidPacketID,
		}
	}
	offset += 2

	// Payload (topic filters) - no QoS bytes unlike SUBSCRIBE
	up.TopicFilters = make([]string, 0)

	for offset < len(raw) {
		topicFilter, n, err := utils.ParseString(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Unsubscribe, Topic Filter",
				Message: er.ErrInvalidUnsubscribePacket,
			}
		}
		offset += n

		if err := utils.ValidateTopicFilter(topicFilter); err != nil {
			return err
		}

		up.TopicFilters = append(up.TopicFilters, topicFilter)
	}

	if len(up.TopicFilters) == 0 {
		return &er.Err{
			Context: "Unsubscribe",
			Message: er.ErrNoTopicFilters,
		}
	}

	return nil
}

// Encode converts the UNSUBSCRIBE packet to bytes
func (up *UnsubscribePacket) Encode() []byte {
	var body []byte
	body = append(body, utils.EncodePacketID(up.PacketID)...)
	for _, filter := range up.TopicFilters {
		body = append(body, utils.EncodeString(filter)...)
	}

	packet := []byte{byte(UNSUBSCRIBE) | 0x02}
	packet = append(packet, utils.EncodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	return packet
}
