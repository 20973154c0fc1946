package packet

import (
	"encoding/binary"

	"github.com/emberq/emberq/pkg/er"
)

type UnsubackPacket struct {
	PacketID uint16
}

// NewUnsubAck creates an UNSUBACK packet in response to an UNSUBSCRIBE packet
func NewUnsubAck(unsubscribePacket *UnsubscribePacket) *UnsubackPacket {
	return &UnsubackPacket{
		PacketID: unsubscribePacket.PacketID,
	}
}

// Parse parses an UNSUBACK packet from raw bytes
func (p *UnsubackPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Unsuback", Message: er.ErrInvalidPacketLength}
	}

	if Type(raw[0]) != UNSUBACK {
		return &er.Err{Context: "Unsuback", Message: er.ErrInvalidPacketType}
	}

	if raw[1] != 0x02 { // Remaining length must be 2
		return &er.Err{Context: "Unsuback", Message: er.ErrInvalidPacketLength}
	}

	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	return nil
}

// Encode converts the UNSUBACK packet to bytes
func (p *UnsubackPacket) Encode() []byte {
	return []byte{
		byte(UNSUBACK),          // Packet Type (UNSUBACK)
		0x02,                    // Remaining Length
		byte(p.PacketID >> 8),   // MSB of Packet Identifier
		byte(p.PacketID & 0xFF), // LSB of Packet Identifier
	}
}
