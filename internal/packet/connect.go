package packet

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/emberq/emberq/internal/packet/utils"
	"github.com/emberq/emberq/pkg/er"
)

type ConnectPacket struct {
	// Variable Header
	ProtocolName  string
	ProtocolLevel byte
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       byte
	WillFlag      bool
	CleanSession  bool
	KeepAlive     uint16

	// Payload
	ClientID    string
	WillTopic   string  // (if Will flag is set)
	WillPayload []byte  // (if Will flag is set)
	Username    *string // (if Username flag is set)
	Password    *string // (if Password flag is set)

	// AssignedID is true when the server substituted a generated
	// client id for an empty one.
	AssignedID bool

	// Raw
	Raw []byte
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 12 {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}

	if Type(raw[0]) != CONNECT {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}

	cp.Raw = raw

	remainingLength, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+lenSize+remainingLength {
		return &er.Err{
			Context: "Connect, Packet Length",
			Message: er.ErrInvalidPacketLength,
		}
	}
	offset := 1 + lenSize

	// Protocol name
	protocolName, n, err := utils.ParseString(raw[offset:])
	if err != nil {
		return &er.Err{
			Context: "Connect, ProtocolName",
			Message: er.ErrInvalidConnPacket,
		}
	}
	cp.ProtocolName = protocolName
	offset += n

	// Enforce "MQTT" as ProtocolName (strict, case-sensitive)
	if cp.ProtocolName != "MQTT" {
		return &er.Err{
			Context: "Connect, ProtocolName",
			Message: er.ErrUnsupportedProtocolName,
		}
	}

	// Protocol level (strict to 4 = MQTT 3.1.1)
	if offset >= len(raw) {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	if cp.ProtocolLevel != 4 {
		return &er.Err{
			Context: "Connect, ProtocolLevel",
			Message: er.ErrUnsupportedProtocolLevel,
		}
	}

	// Connect flags
	if offset >= len(raw) {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}
	connectFlags := raw[offset]
	offset++

	cp.UsernameFlag = (connectFlags & 0x80) != 0 // bit 7
	cp.PasswordFlag = (connectFlags & 0x40) != 0 // bit 6
	cp.WillRetain = (connectFlags & 0x20) != 0   // bit 5
	cp.WillQoS = (connectFlags & 0x18) >> 3      // bit 4-3
	cp.WillFlag = (connectFlags & 0x04) != 0     // bit 2
	cp.CleanSession = (connectFlags & 0x02) != 0 // bit 1

	// MQTT 3.1.1: reserved flag bit 0 must be zero
	if (connectFlags & 0x01) != 0 {
		return &er.Err{
			Context: "Connect, Flags",
			Message: er.ErrProtocolViolation,
		}
	}

	if cp.WillFlag && cp.WillQoS > 2 {
		return &er.Err{
			Context: "Connect, WillQoS",
			Message: er.ErrInvalidWillQos,
		}
	}
	if !cp.WillFlag && (cp.WillQoS != 0 || cp.WillRetain) {
		return &er.Err{
			Context: "Connect, WillQoS",
			Message: er.ErrProtocolViolation,
		}
	}

	// Keep alive
	if offset+2 > len(raw) {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	// Client ID
	clientID, n, err := utils.ParseString(raw[offset:])
	if err != nil {
		return &er.Err{
			Context: "Connect, ClientID",
			Message: er.ErrInvalidConnPacket,
		}
	}
	cp.ClientID = clientID
	offset += n

	if cErr := cp.ValidateClientID(); cErr != nil {
		if errors.Is(cErr, er.ErrEmptyClientID) {
			// If Client ID is not set from client
			// We assign a uuid to the Client ID from the server
			cp.ClientID = uuid.NewString()
			cp.AssignedID = true
		} else if errors.Is(cErr, er.ErrEmptyAndCleanSessionClientID) {
			// Client must set clean session to 1
			return &er.Err{
				Context: "Connect, ClientID",
				Message: er.ErrIdentifierRejected,
			}
		} else {
			return cErr
		}
	}

	// Will topic & payload if the Will flag is set
	if cp.WillFlag {
		willTopic, n, err := utils.ParseString(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Connect, WillTopic",
				Message: er.ErrInvalidConnPacket,
			}
		}
		cp.WillTopic = willTopic
		offset += n

		willPayload, n, err := utils.ParseBytes(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Connect, WillPayload",
				Message: er.ErrInvalidConnPacket,
			}
		}
		cp.WillPayload = willPayload
		offset += n

		if utils.ValidateTopicName(cp.WillTopic) != nil {
			return &er.Err{
				Context: "Connect, WillTopic",
				Message: er.ErrInvalidWillTopic,
			}
		}
	}

	// Username/Password dependency check
	if !cp.UsernameFlag && cp.PasswordFlag {
		return &er.Err{
			Context: "Connect, UsernameFlag + PasswordFlag",
			Message: er.ErrPasswordWithoutUsername,
		}
	}

	if cp.UsernameFlag {
		username, n, err := utils.ParseString(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Connect, Username",
				Message: er.ErrMalformedUsernameField,
			}
		}
		cp.Username = &username
		offset += n
	}

	if cp.PasswordFlag {
		password, n, err := utils.ParseString(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Connect, Password",
				Message: er.ErrMalformedPasswordField,
			}
		}
		cp.Password = &password
		offset += n
	}

	if offset != len(raw) {
		return &er.Err{
			Context: "Connect, Payload",
			Message: er.ErrInvalidPacketLength,
		}
	}

	return nil
}

func (cp *ConnectPacket) ValidateClientID() error {
	// Check if ClientID is empty (zero bytes)
	if len(cp.ClientID) == 0 {
		// Empty ClientID is allowed only if CleanSession is set to 1
		if !cp.CleanSession {
			return &er.Err{
				Context: "Connect, ClientID",
				Message: er.ErrEmptyAndCleanSessionClientID,
			}
		}
		return &er.Err{
			Context: "Connect, ClientID",
			Message: er.ErrEmptyClientID,
		}
	}

	// Server-assigned ids exceed 23 bytes and contain dashes, skip the
	// character rules for them.
	if cp.AssignedID {
		return nil
	}

	// Check ClientID length (1-23 UTF-8 encoded bytes)
	if len(cp.ClientID) > 23 {
		return &er.Err{
			Context: "Connect, ClientID",
			Message: er.ErrClientIDLengthExceed,
		}
	}

	// Check allowed characters: 0-9, a-z, A-Z
	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for _, char := range cp.ClientID {
		if !strings.ContainsRune(allowedChars, char) {
			return &er.Err{
				Context: "Connect, ClientID",
				Message: er.ErrInvalidCharsClientID,
			}
		}
	}

	return nil
}

// Encode converts the CONNECT packet to bytes
func (cp *ConnectPacket) Encode() []byte {
	var body []byte

	body = append(body, utils.EncodeString("MQTT")...)
	body = append(body, 4)

	var flags byte
	if cp.UsernameFlag {
		flags |= 0x80
	}
	if cp.PasswordFlag {
		flags |= 0x40
	}
	if cp.WillRetain {
		flags |= 0x20
	}
	flags |= (cp.WillQoS & 0x03) << 3
	if cp.WillFlag {
		flags |= 0x04
	}
	if cp.CleanSession {
		flags |= 0x02
	}
	body = append(body, flags)

	keepAlive := make([]byte, 2)
	binary.BigEndian.PutUint16(keepAlive, cp.KeepAlive)
	body = append(body, keepAlive...)

	body = append(body, utils.EncodeString(cp.ClientID)...)
	if cp.WillFlag {
		body = append(body, utils.EncodeString(cp.WillTopic)...)
		body = append(body, utils.EncodeBytes(cp.WillPayload)...)
	}
	if cp.UsernameFlag && cp.Username != nil {
		body = append(body, utils.EncodeString(*cp.Username)...)
	}
	if cp.PasswordFlag && cp.Password != nil {
		body = append(body, utils.EncodeString(*cp.Password)...)
	}

	packet := []byte{byte(CONNECT)}
	packet = append(packet, utils.EncodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	return packet
}
