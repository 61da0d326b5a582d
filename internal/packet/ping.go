package packet

import "github.com/life-stream-dev/life-stream-broker/internal/mqtt"

func NewPingRespPacket() []byte {
	return []byte{0xD0, 0x00}
}

// ValidateEmptyPacket PINGREQ 与 DISCONNECT 没有可变头和负载
func ValidateEmptyPacket(packet *mqtt.Packet) error {
	if packet.Header.RemainingLength != 0 {
		return malformed("%s remaining length must be 0, got %d", packet.Header.Type, packet.Header.RemainingLength)
	}
	return nil
}
