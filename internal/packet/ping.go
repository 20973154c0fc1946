package packet

import (
	"github.com/emberq/emberq/pkg/er"
)

type PingreqPacket struct {
	// PINGREQ has no variable header or payload
	Raw []byte
}

type PingrespPacket struct{}

func (pp *PingreqPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{
			Context: "Pingreq, Packet Length",
			Message: er.ErrInvalidPacketLength,
		}
	}

	pp.Raw = raw

	if Type(raw[0]) != PINGREQ {
		return &er.Err{
			Context: "Pingreq",
			Message: er.ErrInvalidPingreqPacket,
		}
	}

	// MQTT 3.1.1: PINGREQ fixed header flags must be 0000 (bits 3,2,1,0)
	if (raw[0] & 0x0F) != 0x00 {
		return &er.Err{
			Context: "Pingreq, Fixed Header",
			Message: er.ErrInvalidPingreqFlags,
		}
	}

	// MQTT 3.1.1: PINGREQ remaining length must be 0
	if raw[1] != 0x00 {
		return &er.Err{
			Context: "Pingreq, Remaining Length",
			Message: er.ErrInvalidPingreqLength,
		}
	}

	return nil
}

func (p *PingrespPacket) Parse(raw []byte) error {
	if len(raw) != 2 || Type(raw[0]) != PINGRESP || raw[0]&0x0F != 0 || raw[1] != 0x00 {
		return &er.Err{
			Context: "Pingresp",
			Message: er.ErrInvalidPacketLength,
		}
	}
	return nil
}

// NewPingresp creates a PINGRESP packet in response to a PINGREQ packet
func NewPingresp() *PingrespPacket {
	return &PingrespPacket{}
}

// Encode converts the PINGRESP packet to bytes
func (p *PingrespPacket) Encode() []byte {
	// PINGRESP is exactly 2 bytes: 0xD0 0x00
	return []byte{byte(PINGRESP), 0x00}
}
