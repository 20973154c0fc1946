package packet

import (
	"encoding/binary"

	"github.com/emberq/emberq/pkg/er"
)

// AckPacket covers the four fixed-size acknowledgement packets of the
// publish handshakes: PUBACK, PUBREC, PUBREL and PUBCOMP.
type AckPacket struct {
	Type     PacketType
	PacketID uint16
}

func (ap *AckPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{
			Context: "Ack, Packet Length",
			Message: er.ErrInvalidAckPacket,
		}
	}

	ap.Type = Type(raw[0])
	switch ap.Type {
	case PUBACK, PUBREC, PUBCOMP:
		// MQTT 3.1.1: reserved flags must be 0000
		if raw[0]&0x0F != 0x00 {
			return &er.Err{
				Context: "Ack, Fixed Header",
				Message: er.ErrProtocolViolation,
			}
		}
	case PUBREL:
		// MQTT 3.1.1: PUBREL fixed header flags must be 0010
		if raw[0]&0x0F != 0x02 {
			return &er.Err{
				Context: "Pubrel, Fixed Header",
				Message: er.ErrInvalidPubrelFlags,
			}
		}
	default:
		return &er.Err{
			Context: "Ack",
			Message: er.ErrInvalidPacketType,
		}
	}

	if raw[1] != 0x02 {
		return &er.Err{
			Context: "Ack, Remaining Length",
			Message: er.ErrInvalidAckPacket,
		}
	}

	ap.PacketID = binary.BigEndian.Uint16(raw[2:4])
	if ap.PacketID == 0 {
		return &er.Err{
			Context: "Ack, PacketID",
			Message: er.ErrInvalidPacketID,
		}
	}

	return nil
}

// Encode converts the acknowledgement packet to bytes
func (ap *AckPacket) Encode() []byte {
	switch ap.Type {
	case PUBACK:
		return NewPubAck(ap.PacketID)
	case PUBREC:
		return NewPubRec(ap.PacketID)
	case PUBREL:
		return NewPubRel(ap.PacketID)
	case PUBCOMP:
		return NewPubComp(ap.PacketID)
	}
	return nil
}

// Publish Acknowledge
func NewPubAck(packetID uint16) []byte {
	return []byte{
		byte(PUBACK),          // Packet Type (PUBACK)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish received (QoS 2 delivery, part 1)
func NewPubRec(packetID uint16) []byte {
	return []byte{
		byte(PUBREC),          // Packet Type (PUBREC)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish release (QoS 2 delivery, part 2). The low nibble carries the
// mandatory 0010 flags.
func NewPubRel(packetID uint16) []byte {
	return []byte{
		byte(PUBREL) | 0x02,   // Packet Type (PUBREL) + flags
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish complete (QoS 2 delivery, part 3)
func NewPubComp(packetID uint16) []byte {
	return []byte{
		byte(PUBCOMP),         // Packet Type (PUBCOMP)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}
