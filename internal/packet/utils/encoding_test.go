package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/er"
)

func TestRemainingLengthRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		length int
		size   int
	}{
		{"zero", 0, 1},
		{"one byte max", 127, 1},
		{"two bytes min", 128, 2},
		{"two bytes max", 16383, 2},
		{"three bytes min", 16384, 3},
		{"three bytes max", 2097151, 3},
		{"four bytes min", 2097152, 4},
		{"four bytes max", MaxRemainingLength, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeRemainingLength(tt.length)
			assert.Len(t, encoded, tt.size)

			decoded, consumed, err := ParseRemainingLength(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.length, decoded)
			assert.Equal(t, tt.size, consumed)
		})
	}
}

func TestParseRemainingLengthErrors(t *testing.T) {
	_, _, err := ParseRemainingLength(nil)
	assert.ErrorIs(t, err, er.ErrShortBuffer)

	// Continuation bit never cleared
	_, _, err = ParseRemainingLength([]byte{0x80, 0x80, 0x80})
	assert.ErrorIs(t, err, er.ErrShortBuffer)

	// Five bytes of continuation
	_, _, err = ParseRemainingLength([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F})
	assert.ErrorIs(t, err, er.ErrRemainingLengthExceeded)
}

func TestStringRoundTrip(t *testing.T) {
	encoded := EncodeString("sensors/room1/temp")
	decoded, consumed, err := ParseString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "sensors/room1/temp", decoded)
	assert.Equal(t, len(encoded), consumed)
}

func TestParseStringErrors(t *testing.T) {
	_, _, err := ParseString([]byte{0x00})
	assert.ErrorIs(t, err, er.ErrShortBuffer)

	// Declared length exceeds buffer
	_, _, err = ParseString([]byte{0x00, 0x05, 'a', 'b'})
	assert.ErrorIs(t, err, er.ErrShortBuffer)

	// Invalid UTF-8
	_, _, err = ParseString([]byte{0x00, 0x02, 0xC3, 0x28})
	assert.ErrorIs(t, err, er.ErrInvalidUTF8String)
}

func TestValidateTopicFilter(t *testing.T) {
	valid := []string{
		"#",
		"+",
		"a",
		"a/b/c",
		"a/+/c",
		"+/b/#",
		"sensors/#",
		"a/b/#",
	}
	for _, filter := range valid {
		assert.NoError(t, ValidateTopicFilter(filter), filter)
	}

	invalid := []struct {
		filter string
		want   error
	}{
		{"", er.ErrEmptyTopicFilter},
		{"a//b", er.ErrEmptyTopicLevel},
		{"/a", er.ErrEmptyTopicLevel},
		{"a/", er.ErrEmptyTopicLevel},
		{"a+/b", er.ErrSingleLevelWildcardNotAlone},
		{"a/b+", er.ErrSingleLevelWildcardNotAlone},
		{"a/#/b", er.ErrMultiLevelWildcardNotLast},
		{"a/b#", er.ErrMultiLevelWildcardNotAlone},
		{"#/a", er.ErrMultiLevelWildcardNotLast},
	}
	for _, tt := range invalid {
		err := ValidateTopicFilter(tt.filter)
		assert.ErrorIs(t, err, tt.want, tt.filter)
	}
}

func TestValidateTopicName(t *testing.T) {
	assert.NoError(t, ValidateTopicName("sensors/room1/temp"))
	assert.NoError(t, ValidateTopicName("status"))

	assert.ErrorIs(t, ValidateTopicName(""), er.ErrEmptyTopic)
	assert.ErrorIs(t, ValidateTopicName("a/+/b"), er.ErrWildcardsNotAllowedInPublish)
	assert.ErrorIs(t, ValidateTopicName("a/#"), er.ErrWildcardsNotAllowedInPublish)
	assert.ErrorIs(t, ValidateTopicName("a//b"), er.ErrEmptyTopicLevel)
	assert.ErrorIs(t, ValidateTopicName("a\x00b"), er.ErrNullCharacterInTopic)
}

func TestSplitTopic(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitTopic("a/b/c"))
	assert.Equal(t, []string{"a", "", "b"}, SplitTopic("a//b"))
	assert.Equal(t, []string{"#"}, SplitTopic("#"))
	assert.Empty(t, SplitTopic(""))
}

func TestPacketIDRoundTrip(t *testing.T) {
	encoded := EncodePacketID(0xBEEF)
	id, err := ParsePacketID(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), id)

	_, err = ParsePacketID([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, er.ErrInvalidPacketID)
}
