package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/er"
)

func TestAckRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		encode func(uint16) []byte
		want   PacketType
	}{
		{"puback", NewPubAck, PUBACK},
		{"pubrec", NewPubRec, PUBREC},
		{"pubrel", NewPubRel, PUBREL},
		{"pubcomp", NewPubComp, PUBCOMP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &AckPacket{}
			require.NoError(t, ack.Parse(tt.encode(0x1234)))
			assert.Equal(t, tt.want, ack.Type)
			assert.Equal(t, uint16(0x1234), ack.PacketID)

			assert.Equal(t, tt.encode(0x1234), ack.Encode())
		})
	}
}

func TestPubrelFlagsEnforced(t *testing.T) {
	raw := NewPubRel(1)
	raw[0] = byte(PUBREL) // drop the mandatory 0010 flags
	err := (&AckPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrInvalidPubrelFlags)
}

func TestAckReservedFlagsEnforced(t *testing.T) {
	raw := NewPubAck(1)
	raw[0] |= 0x01
	err := (&AckPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrProtocolViolation)
}

func TestAckZeroPacketIDRejected(t *testing.T) {
	err := (&AckPacket{}).Parse(NewPubAck(0))
	assert.ErrorIs(t, err, er.ErrInvalidPacketID)
}

func TestAckWrongLengthRejected(t *testing.T) {
	err := (&AckPacket{}).Parse([]byte{byte(PUBACK), 0x03, 0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, er.ErrInvalidAckPacket)
}
