package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/er"
)

func TestParseDispatch(t *testing.T) {
	connect := (&ConnectPacket{CleanSession: true, ClientID: "c1"}).Encode()
	parsed, err := Parse(connect)
	require.NoError(t, err)
	assert.True(t, parsed.IsConnect())
	assert.NotNil(t, parsed.GetConnect())

	publish := (&PublishPacket{Topic: "a", Payload: []byte("x")}).Encode()
	parsed, err = Parse(publish)
	require.NoError(t, err)
	assert.Equal(t, PUBLISH, parsed.Type)
	require.NotNil(t, parsed.Publish)
	assert.Equal(t, "a", parsed.Publish.Topic)

	parsed, err = Parse(NewPubAck(3))
	require.NoError(t, err)
	require.NotNil(t, parsed.Ack)
	assert.Equal(t, PUBACK, parsed.Ack.Type)

	parsed, err = Parse(NewPubRel(3))
	require.NoError(t, err)
	require.NotNil(t, parsed.Ack)
	assert.Equal(t, PUBREL, parsed.Ack.Type)

	subscribe := (&SubscribePacket{PacketID: 1, Filters: []SubscribeFilter{{Topic: "a", QoS: 1}}}).Encode()
	parsed, err = Parse(subscribe)
	require.NoError(t, err)
	require.NotNil(t, parsed.Subscribe)

	unsubscribe := (&UnsubscribePacket{PacketID: 1, TopicFilters: []string{"a"}}).Encode()
	parsed, err = Parse(unsubscribe)
	require.NoError(t, err)
	require.NotNil(t, parsed.Unsubscribe)

	parsed, err = Parse([]byte{byte(PINGREQ), 0x00})
	require.NoError(t, err)
	require.NotNil(t, parsed.Pingreq)

	parsed, err = Parse([]byte{byte(DISCONNECT), 0x00})
	require.NoError(t, err)
	require.NotNil(t, parsed.Disconnect)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, er.ErrInvalidPacketType)

	_, err = Parse([]byte{0xF0, 0x00})
	assert.ErrorIs(t, err, er.ErrInvalidPacketType)
}

func TestParseShortBuffer(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, er.ErrShortBuffer)

	_, err = Parse([]byte{byte(PINGREQ)})
	assert.ErrorIs(t, err, er.ErrShortBuffer)
}

func TestPingreqStrict(t *testing.T) {
	err := (&PingreqPacket{}).Parse([]byte{byte(PINGREQ) | 0x01, 0x00})
	assert.ErrorIs(t, err, er.ErrInvalidPingreqFlags)

	err = (&PingreqPacket{}).Parse([]byte{byte(PINGREQ), 0x01})
	assert.ErrorIs(t, err, er.ErrInvalidPingreqLength)
}

func TestPingrespEncode(t *testing.T) {
	assert.Equal(t, []byte{0xD0, 0x00}, NewPingresp().Encode())
}

func TestDisconnectParse(t *testing.T) {
	require.NoError(t, (&DisconnectPacket{}).Parse([]byte{byte(DISCONNECT), 0x00}))

	err := (&DisconnectPacket{}).Parse([]byte{byte(DISCONNECT) | 0x01, 0x00})
	assert.Error(t, err)
}

func TestConnackRoundTrip(t *testing.T) {
	original := &ConnackPacket{SessionPresent: true, ReturnCode: ConnectionAccepted}
	parsed := &ConnackPacket{}
	require.NoError(t, parsed.Parse(original.Encode()))
	assert.True(t, parsed.SessionPresent)
	assert.Equal(t, byte(ConnectionAccepted), parsed.ReturnCode)

	refused := NewConnAck(false, IdentifierRejected)
	parsed = &ConnackPacket{}
	require.NoError(t, parsed.Parse(refused))
	assert.False(t, parsed.SessionPresent)
	assert.Equal(t, byte(IdentifierRejected), parsed.ReturnCode)
}
