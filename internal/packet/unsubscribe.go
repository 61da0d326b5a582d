package packet

import (
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

type UnSubscribePacketPayloads struct {
	PacketID     uint16
	TopicFilters []string
}

func NewUnSubAckPacket(packetID uint16) []byte {
	return newAckPacket(mqtt.UNSUBACK, 0x00, packetID)
}

func ParseUnSubscribePacket(packet *mqtt.Packet) (*UnSubscribePacketPayloads, error) {
	if packet.Header.Flags != 0x02 {
		return nil, malformed("UNSUBSCRIBE flags must be 0x02")
	}
	result := &UnSubscribePacketPayloads{
		TopicFilters: make([]string, 0),
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
		result.TopicFilters = append(result.TopicFilters, topicFilter.String())
	}

	if len(result.TopicFilters) == 0 {
		return result, malformed("UNSUBSCRIBE must contain at least one topic filter")
	}
	return result, nil
}
