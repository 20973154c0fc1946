package utils

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/emberq/emberq/pkg/er"
)

// MaxRemainingLength is the largest value representable by the MQTT
// variable-length remaining length field (4 bytes, 7 data bits each).
const MaxRemainingLength = 268435455

// EncodeRemainingLength encodes the remaining length field according to MQTT specification
// Supports up to 4 bytes (max value: 268,435,455)
func EncodeRemainingLength(length int) []byte {
	if length < 0 {
		return []byte{0}
	}

	var encoded []byte

	for {
		encodedByte := byte(length % 128)
		length = length / 128

		if length > 0 {
			encodedByte |= 128 // Set continuation bit
		}

		encoded = append(encoded, encodedByte)

		if length == 0 {
			break
		}

		if len(encoded) >= 4 {
			break
		}
	}

	return encoded
}

// ParseRemainingLength decodes the remaining length field from raw bytes
// Returns the decoded length, the number of bytes consumed, and any error
func ParseRemainingLength(data []byte) (int, int, error) {
	var length int
	multiplier := 1
	var offset int

	for {
		if offset >= len(data) {
			return 0, 0, &er.Err{
				Context: "ParseRemainingLength",
				Message: er.ErrShortBuffer,
			}
		}
		if offset >= 4 {
			return 0, 0, &er.Err{
				Context: "ParseRemainingLength",
				Message: er.ErrRemainingLengthExceeded,
			}
		}

		encodedByte := data[offset]
		length += int(encodedByte&0x7F) * multiplier

		if length > MaxRemainingLength {
			return 0, 0, &er.Err{
				Context: "ParseRemainingLength",
				Message: er.ErrRemainingLengthExceeded,
			}
		}

		multiplier *= 128
		offset++

		if (encodedByte & 0x80) == 0 {
			break
		}
	}

	return length, offset, nil
}

// EncodeString encodes a UTF-8 string with a big-endian 2-byte length prefix
func EncodeString(s string) []byte {
	encoded := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(encoded, uint16(len(s)))
	copy(encoded[2:], s)
	return encoded
}

// EncodeBytes encodes a byte string with a big-endian 2-byte length prefix
func EncodeBytes(b []byte) []byte {
	encoded := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(encoded, uint16(len(b)))
	copy(encoded[2:], b)
	return encoded
}

// ParseString parses a UTF-8 string with 2-byte length prefix
// Returns the string, the number of bytes consumed, and any error
func ParseString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, &er.Err{
			Context: "ParseString",
			Message: er.ErrShortBuffer,
		}
	}

	length := binary.BigEndian.Uint16(data[0:2])
	if len(data) < int(2+length) {
		return "", 0, &er.Err{
			Context: "ParseString",
			Message: er.ErrShortBuffer,
		}
	}

	str := string(data[2 : 2+length])

	if !utf8.ValidString(str) {
		return "", 0, &er.Err{
			Context: "ParseString",
			Message: er.ErrInvalidUTF8String,
		}
	}

	return str, int(2 + length), nil
}

// ParseBytes parses a byte string with 2-byte length prefix
func ParseBytes(data []byte) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, &er.Err{
			Context: "ParseBytes",
			Message: er.ErrShortBuffer,
		}
	}

	length := binary.BigEndian.Uint16(data[0:2])
	if len(data) < int(2+length) {
		return nil, 0, &er.Err{
			Context: "ParseBytes",
			Message: er.ErrShortBuffer,
		}
	}

	b := make([]byte, length)
	copy(b, data[2:2+length])
	return b, int(2 + length), nil
}

// ValidateTopicFilter validates a topic filter according to MQTT 3.1.1 rules
func ValidateTopicFilter(topicFilter string) error {
	if topicFilter == "" {
		return &er.Err{
			Context: "ValidateTopicFilter",
			Message: er.ErrEmptyTopicFilter,
		}
	}

	if !utf8.ValidString(topicFilter) {
		return &er.Err{
			Context: "ValidateTopicFilter",
			Message: er.ErrInvalidUTF8TopicFilter,
		}
	}

	for _, r := range topicFilter {
		if r == 0 {
			return &er.Err{
				Context: "ValidateTopicFilter",
				Message: er.ErrNullCharacterInTopicFilter,
			}
		}
	}

	levels := SplitTopic(topicFilter)

	for i, level := range levels {
		if level == "" {
			return &er.Err{
				Context: "ValidateTopicFilter",
				Message: er.ErrEmptyTopicLevel,
			}
		}

		// + must occupy an entire level
		if containsRune(level, '+') && level != "+" {
			return &er.Err{
				Context: "ValidateTopicFilter",
				Message: er.ErrSingleLevelWildcardNotAlone,
			}
		}

		// # must occupy an entire level and be the last one
		if containsRune(level, '#') {
			if level != "#" {
				return &er.Err{
					Context: "ValidateTopicFilter",
					Message: er.ErrMultiLevelWildcardNotAlone,
				}
			}
			if i != len(levels)-1 {
				return &er.Err{
					Context: "ValidateTopicFilter",
					Message: er.ErrMultiLevelWildcardNotLast,
				}
			}
		}
	}

	return nil
}

// ValidateTopicName validates a topic name for publishing (no wildcards allowed)
func ValidateTopicName(topicName string) error {
	if topicName == "" {
		return &er.Err{
			Context: "ValidateTopicName",
			Message: er.ErrEmptyTopic,
		}
	}

	if !utf8.ValidString(topicName) {
		return &er.Err{
			Context: "ValidateTopicName",
			Message: er.ErrInvalidUTF8Topic,
		}
	}

	for _, r := range topicName {
		if r == 0 {
			return &er.Err{
				Context: "ValidateTopicName",
				Message: er.ErrNullCharacterInTopic,
			}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{
				Context: "ValidateTopicName",
				Message: er.ErrControlCharacterInTopic,
			}
		}
	}

	if ContainsWildcards(topicName) {
		return &er.Err{
			Context: "ValidateTopicName",
			Message: er.ErrWildcardsNotAllowedInPublish,
		}
	}

	for _, level := range SplitTopic(topicName) {
		if level == "" {
			return &er.Err{
				Context: "ValidateTopicName",
				Message: er.ErrEmptyTopicLevel,
			}
		}
	}

	return nil
}

// ContainsWildcards checks if a topic contains wildcard characters
func ContainsWildcards(topic string) bool {
	return containsRune(topic, '+') || containsRune(topic, '#')
}

// SplitTopic splits a topic or topic filter into levels
func SplitTopic(topic string) []string {
	if topic == "" {
		return []string{}
	}

	var levels []string
	start := 0

	for i, char := range topic {
		if char == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}

	levels = append(levels, topic[start:])

	return levels
}

func containsRune(s string, target rune) bool {
	for _, r := range s {
		if r == target {
			return true
		}
	}
	return false
}

// EncodePacketID encodes a 16-bit packet ID to bytes
func EncodePacketID(packetID uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, packetID)
	return result
}

// ParsePacketID parses a 16-bit packet ID from bytes
func ParsePacketID(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &er.Err{
			Context: "ParsePacketID",
			Message: er.ErrShortBuffer,
		}
	}

	packetID := binary.BigEndian.Uint16(data[0:2])
	if packetID == 0 {
		return 0, &er.Err{
			Context: "ParsePacketID",
			Message: er.ErrInvalidPacketID,
		}
	}

	return packetID, nil
}
