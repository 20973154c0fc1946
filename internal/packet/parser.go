package packet

import "github.com/emberq/emberq/pkg/er"

// Parse determines the packet type and returns the appropriate parsed packet
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 2 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrShortBuffer,
		}
	}

	result := &ParsedPacket{
		Type: Type(raw[0]),
		Raw:  raw,
	}

	switch result.Type {
	case CONNECT:
		cp := &ConnectPacket{}
		if err := cp.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = cp

	case PUBLISH:
		pp := &PublishPacket{}
		if err := pp.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = pp

	case PUBACK, PUBREC, PUBREL, PUBCOMP:
		ap := &AckPacket{}
		if err := ap.Parse(raw); err != nil {
			return nil, err
		}
		result.Ack = ap

	case SUBSCRIBE:
		sp := &SubscribePacket{}
		if err := sp.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = sp

	case UNSUBSCRIBE:
		up := &UnsubscribePacket{}
		if err := up.Parse(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = up

	case CONNACK:
		ca := &ConnackPacket{}
		if err := ca.Parse(raw); err != nil {
			return nil, err
		}
		result.Connack = ca

	case SUBACK:
		sa := &SubackPacket{}
		if err := sa.Parse(raw); err != nil {
			return nil, err
		}
		result.Suback = sa

	case UNSUBACK:
		ua := &UnsubackPacket{}
		if err := ua.Parse(raw); err != nil {
			return nil, err
		}
		result.Unsuback = ua

	case PINGREQ:
		pr := &PingreqPacket{}
		if err := pr.Parse(raw); err != nil {
			return nil, err
		}
		result.Pingreq = pr

	case PINGRESP:
		pr := &PingrespPacket{}
		if err := pr.Parse(raw); err != nil {
			return nil, err
		}
		result.Pingresp = pr

	case DISCONNECT:
		dp := &DisconnectPacket{}
		if err := dp.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = dp

	default:
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketType,
		}
	}

	return result, nil
}
