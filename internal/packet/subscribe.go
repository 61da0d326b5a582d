package packet

import (
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

type TopicFilter struct {
	Filter string
	QoS    mqtt.QoS
}

type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []TopicFilter
}

// NewSubAckPacket 每个主题过滤器对应一个返回码
func NewSubAckPacket(packetID uint16, granted []byte) []byte {
	body := make([]byte, 0, 2+len(granted))
	body = append(body, mqtt.UInt16ToByte(packetID)...)
	body = append(body, granted...)
	return newPacket(mqtt.SUBACK, 0x00, body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*SubscribePacketPayloads, error) {
	if packet.Header.Flags != 0x02 {
		return nil, malformed("SUBSCRIBE flags must be 0x02")
	}
	result := &SubscribePacketPayloads{
		Subscriptions: make([]TopicFilter, 0),
	}

	var err error
	if result.PacketID, err = readPacketID(packet.Payload); err != nil {
		return result, err
	}

	for packet.Payload.CurrentPtr != packet.Payload.ContextLen {
		topicFilter, err := readPacketPayload(packet.Payload)
		if err != nil {
			return result, err
		}
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return result, malformed("unable to read requested QoS")
		}
		if qos&0xFC != 0 {
			return result, malformed("reserved bits of requested QoS must be 0")
		}
		// QoS 3 原样交给编排器，由它回复 0x80
		result.Subscriptions = append(result.Subscriptions, TopicFilter{
			Filter: topicFilter.String(),
			QoS:    mqtt.QoS(qos & 0x03),
		})
	}

	if len(result.Subscriptions) == 0 {
		return result, malformed("SUBSCRIBE must contain at least one topic filter")
	}
	return result, nil
}
