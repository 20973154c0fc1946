package packet

import "github.com/emberq/emberq/pkg/er"

type DisconnectPacket struct{}

func (dp *DisconnectPacket) Parse(raw []byte) error {
	if len(raw) != 2 {
		return &er.Err{
			Context: "Disconnect, Packet Length",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	// First byte must be 0xE0 (type = 14 << 4, flags = 0)
	if PacketType(raw[0]) != DISCONNECT {
		return &er.Err{
			Context: "Disconnect, Control",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	// Remaining length must be 0
	if raw[1] != 0x00 {
		return &er.Err{
			Context: "Disconnect, Remaining Length",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	return nil
}

// Encode converts the DISCONNECT packet to bytes
func (dp *DisconnectPacket) Encode() []byte {
	return []byte{byte(DISCONNECT), 0x00}
}
