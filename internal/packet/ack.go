package packet

import "github.com/life-stream-dev/life-stream-broker/internal/mqtt"

func newAckPacket(packetType mqtt.PacketType, flags byte, packetID uint16) []byte {
	return newPacket(packetType, flags, mqtt.UInt16ToByte(packetID))
}

func NewPubAckPacket(packetID uint16) []byte {
	return newAckPacket(mqtt.PUBACK, 0x00, packetID)
}

func NewPubRecPacket(packetID uint16) []byte {
	return newAckPacket(mqtt.PUBREC, 0x00, packetID)
}

// NewPubRelPacket PUBREL 固定头标志位必须为 0010
func NewPubRelPacket(packetID uint16) []byte {
	return newAckPacket(mqtt.PUBREL, 0x02, packetID)
}

func NewPubCompPacket(packetID uint16) []byte {
	return newAckPacket(mqtt.PUBCOMP, 0x00, packetID)
}

// ParseAckPacket 解析 PUBACK/PUBREC/PUBREL/PUBCOMP，返回报文标识符
func ParseAckPacket(packet *mqtt.Packet) (uint16, error) {
	if packet.Header.RemainingLength != 2 {
		return 0, malformed("%s remaining length must be 2, got %d", packet.Header.Type, packet.Header.RemainingLength)
	}
	if packet.Header.Type == mqtt.PUBREL && packet.Header.Flags != 0x02 {
		return 0, malformed("PUBREL flags must be 0x02")
	}
	return readPacketID(packet.Payload)
}
