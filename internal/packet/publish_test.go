package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/er"
)

func uint16Ptr(v uint16) *uint16 { return &v }

func TestPublishRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pub  *PublishPacket
	}{
		{"qos0", &PublishPacket{Topic: "sensors/temp", Payload: []byte("23")}},
		{"qos0 retain", &PublishPacket{Topic: "status", Payload: []byte("on"), Retain: true}},
		{"qos1", &PublishPacket{Topic: "work/a", Payload: []byte("x"), QoS: QoSAtLeastOnce, PacketID: uint16Ptr(7)}},
		{"qos2 dup", &PublishPacket{Topic: "a/b", Payload: []byte("y"), QoS: QoSExactlyOnce, DUP: true, PacketID: uint16Ptr(65535)}},
		{"empty payload", &PublishPacket{Topic: "status", Retain: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := &PublishPacket{}
			require.NoError(t, parsed.Parse(tt.pub.Encode()))

			assert.Equal(t, tt.pub.Topic, parsed.Topic)
			assert.Equal(t, tt.pub.QoS, parsed.QoS)
			assert.Equal(t, tt.pub.Retain, parsed.Retain)
			assert.Equal(t, tt.pub.DUP, parsed.DUP)
			if tt.pub.PacketID != nil {
				require.NotNil(t, parsed.PacketID)
				assert.Equal(t, *tt.pub.PacketID, *parsed.PacketID)
			} else {
				assert.Nil(t, parsed.PacketID)
			}
			if len(tt.pub.Payload) > 0 {
				assert.Equal(t, tt.pub.Payload, parsed.Payload)
			} else {
				assert.Empty(t, parsed.Payload)
			}
		})
	}
}

func TestPublishDupWithQoS0Rejected(t *testing.T) {
	raw := (&PublishPacket{Topic: "a", Payload: []byte("x")}).Encode()
	raw[0] |= 0x08 // force DUP on a QoS 0 publish
	err := (&PublishPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrInvalidDUPFlag)
}

func TestPublishZeroPacketIDRejected(t *testing.T) {
	raw := (&PublishPacket{Topic: "a", Payload: []byte("x"), QoS: QoSAtLeastOnce, PacketID: uint16Ptr(1)}).Encode()
	// Packet id sits right after the 2-byte topic length + topic
	idOffset := 2 + 2 + 1
	raw[idOffset] = 0
	raw[idOffset+1] = 0
	err := (&PublishPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrInvalidPacketID)
}

func TestPublishWildcardTopicRejected(t *testing.T) {
	raw := (&PublishPacket{Topic: "ab", Payload: []byte("x")}).Encode()
	// Overwrite the topic bytes with a wildcard
	raw[4] = '+'
	err := (&PublishPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrWildcardsNotAllowedInPublish)
}

func TestPublishEmptyTopicRejected(t *testing.T) {
	raw := []byte{0x30, 0x02, 0x00, 0x00}
	err := (&PublishPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrEmptyTopic)
}

func TestPublishLengthMismatchRejected(t *testing.T) {
	raw := (&PublishPacket{Topic: "a", Payload: []byte("xy")}).Encode()
	err := (&PublishPacket{}).Parse(raw[:len(raw)-1])
	assert.ErrorIs(t, err, er.ErrInvalidPacketLength)
}

func TestPublishMissingPacketID(t *testing.T) {
	// QoS 1 header but the body ends right after the topic
	raw := []byte{0x32, 0x03, 0x00, 0x01, 'a'}
	err := (&PublishPacket{}).Parse(raw)
	assert.ErrorIs(t, err, er.ErrMissingPacketID)
}

func TestMinMaxQoS(t *testing.T) {
	assert.Equal(t, QoSAtLeastOnce, MinQoS(QoSExactlyOnce, QoSAtLeastOnce))
	assert.Equal(t, QoSAtMostOnce, MinQoS(QoSAtMostOnce, QoSExactlyOnce))
	assert.Equal(t, QoSExactlyOnce, MaxQoS(QoSAtLeastOnce, QoSExactlyOnce))
}
