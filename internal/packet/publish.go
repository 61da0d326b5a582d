package packet

import (
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

type PublishPacketFlag struct {
	RetryFlag bool
	QoS       byte
	Retain    bool
}

type PublishPacketPayloads struct {
	PacketFlag PublishPacketFlag
	TopicName  FieldPayload
	PacketID   uint16
	Payload    []byte
}

// Message 转换为应用消息，负载会被复制
func (p *PublishPacketPayloads) Message() mqtt.Message {
	return mqtt.Message{
		Topic:   p.TopicName.String(),
		Payload: append([]byte{}, p.Payload...),
		QoS:     mqtt.QoS(p.PacketFlag.QoS),
		Retain:  p.PacketFlag.Retain,
		Dup:     p.PacketFlag.RetryFlag,
	}
}

// NewPublishPacket 编码 PUBLISH；QoS 0 时不携带报文标识符
func NewPublishPacket(msg mqtt.Message, packetID uint16) []byte {
	var flags byte
	if msg.Dup && msg.QoS > mqtt.QoS0 {
		flags |= 0x08
	}
	flags |= byte(msg.QoS) << 1
	if msg.Retain {
		flags |= 0x01
	}

	body := make([]byte, 0, len(msg.Topic)+len(msg.Payload)+4)
	body = appendField(body, []byte(msg.Topic))
	if msg.QoS > mqtt.QoS0 {
		body = append(body, mqtt.UInt16ToByte(packetID)...)
	}
	body = append(body, msg.Payload...)
	return newPacket(mqtt.PUBLISH, flags, body)
}

func ParsePublishPacket(packet *mqtt.Packet) (*PublishPacketPayloads, error) {
	result := &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{
			RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
			QoS:       (packet.Header.Flags & 0x06) >> 1,
			Retain:    packet.Header.Flags&0x01 == 1,
		},
	}

	if result.PacketFlag.QoS == 0 && result.PacketFlag.RetryFlag {
		return result, malformed("when QoS Level set to 0, retry flag must be set to 0 either")
	}

	if result.PacketFlag.QoS == 3 {
		return result, malformed("the QoS Level must not set to 3")
	}

	topicName, err := readPacketPayload(packet.Payload)
	if err != nil {
		return result, err
	}
	result.TopicName = topicName
	if err := subscription.ValidateTopic(topicName.String()); err != nil {
		return result, malformed("invalid topic name %q: %v", topicName.String(), err)
	}

	if result.PacketFlag.QoS > 0 {
		if result.PacketID, err = readPacketID(packet.Payload); err != nil {
			return result, err
		}
		if result.PacketID == 0 {
			return result, malformed("packet identifier must not be 0")
		}
	}

	// 剩余部分全部是应用消息，允许为空
	payload, err := readPacketBytes(packet.Payload, packet.Payload.ContextLen-packet.Payload.CurrentPtr)
	if err != nil {
		return result, err
	}
	result.Payload = payload

	return result, nil
}
