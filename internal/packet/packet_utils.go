// Package packet 实现各控制报文可变头与负载的解析和编码
package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

var ErrMalformedPacket = errors.New("malformed packet")

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func (f FieldPayload) String() string {
	return string(f.Payload)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, malformed("invalid packet context length")
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, malformed("invalid reading length %d", length)
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, malformed("invalid packet context length")
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, malformed("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, malformed("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func appendField(buf []byte, data []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(data)))...)
	return append(buf, data...)
}

// newPacket 拼接固定头与剩余部分
func newPacket(packetType mqtt.PacketType, flags byte, body []byte) []byte {
	packet := make([]byte, 0, len(body)+5)
	packet = append(packet, byte(packetType)<<4|flags&0x0F)
	packet = append(packet, mqtt.EncodeRemainingLength(len(body))...)
	return append(packet, body...)
}
