package packet

import "github.com/emberq/emberq/pkg/er"

// CONNACK return codes
const (
	ConnectionAccepted          = 0x00 // Connection Accepted
	UnacceptableProtocolVersion = 0x01 // The Server does not support the level of the MQTT protocol requested by the Client
	IdentifierRejected          = 0x02 // The Client identifier is correct UTF-8 but not allowed by the Server
	ServerUnavailable           = 0x03 // The Network Connection has been made but the MQTT service is unavailable
	BadUsernameOrPassword       = 0x04 // The data in the user name or password is malformed
	NotAuthorized               = 0x05 // The Client is not authorized to connect
)

type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

func NewConnAck(sessionPresent bool, returnCode byte) []byte {
	flags := byte(0x00)
	if sessionPresent {
		flags = 0x01
	}

	return []byte{
		byte(CONNACK), // Packet Type (CONNACK) + flags
		0x02,          // Remaining Length (always 2)
		flags,
		returnCode,
	}
}

// Encode converts the CONNACK packet to bytes
func (p *ConnackPacket) Encode() []byte {
	return NewConnAck(p.SessionPresent, p.ReturnCode)
}

// Parse parses a CONNACK packet from raw bytes
func (p *ConnackPacket) Parse(raw []byte) error {
	if len(raw) != 4 {
		return &er.Err{Context: "Connack", Message: er.ErrInvalidPacketLength}
	}
	if Type(raw[0]) != CONNACK {
		return &er.Err{Context: "Connack", Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return &er.Err{Context: "Connack, Remaining Length", Message: er.ErrInvalidPacketLength}
	}
	if raw[2]&0xFE != 0 {
		return &er.Err{Context: "Connack, Flags", Message: er.ErrProtocolViolation}
	}
	p.SessionPresent = raw[2]&0x01 != 0
	p.ReturnCode = raw[3]
	return nil
}
