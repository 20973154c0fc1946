package packet

import (
	"encoding/binary"

	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

// SUBACK return codes
const (
	SubackMaxQoS0 byte = 0x00 // Maximum QoS 0
	SubackMaxQoS1 byte = 0x01 // Maximum QoS 1
	SubackMaxQoS2 byte = 0x02 // Maximum QoS 2
	SubackFailure byte = 0x80 // Failure
)

type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// SubackCode maps a granted QoS level to its SUBACK return code.
func SubackCode(qos QoSLevel) byte {
	switch qos {
	case QoSAtMostOnce:
		return SubackMaxQoS0
	case QoSAtLeastOnce:
		return SubackMaxQoS1
	case QoSExactlyOnce:
		return SubackMaxQoS2
	}
	return SubackFailure
}

// Encode converts the SUBACK packet to bytes
func (p *SubackPacket) Encode() []byte {
	// 2 bytes (PacketID) + one return code per filter
	remainingLength := 2 + len(p.ReturnCodes)

	packet := []byte{byte(SUBACK)}
	packet = append(packet, utils.EncodeRemainingLength(remainingLength)...)
	packet = append(packet, utils.EncodePacketID(p.PacketID)...)
	packet = append(packet, p.ReturnCodes...)
	return packet
}

// Parse parses a SUBACK packet from raw bytes
func (p *SubackPacket) Parse(raw []byte) error {
	if len(raw) < 5 {
		return &er.Err{Context: "Suback", Message: er.ErrShortBuffer}
	}

	if Type(raw[0]) != SUBACK {
		return &er.Err{Context: "Suback", Message: er.ErrInvalidPacketType}
	}

	remainingLength, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	if len(raw) != 1+lenSize+remainingLength || remainingLength < 3 {
		return &er.Err{Context: "Suback", Message: er.ErrInvalidPacketLength}
	}

	offset := 1 + lenSize
	p.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])

	p.ReturnCodes = make([]byte, remainingLength-2)
	copy(p.ReturnCodes, raw[offset+2:])

	return nil
}
