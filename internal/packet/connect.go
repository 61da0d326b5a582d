package packet

// 控制包类型 CONNECT 相关函数

import (
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/subscription"
)

const (
	ProtocolNameV31  = "MQIsdp"
	ProtocolNameV311 = "MQTT"
)

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

type ConnectPacketPayloads struct {
	ProtocolName       string
	ProtocolVersion    mqtt.ProtocolVersion
	ConnectFlag        ConnectPacketFlag
	ClientIdentifier   FieldPayload
	UsernamePayload    FieldPayload
	PasswordPayload    FieldPayload
	WillMessageTopic   FieldPayload
	WillMessageContent FieldPayload
	KeepAlive          uint16
}

// Will 返回遗嘱消息，未设置遗嘱时为 nil
func (p *ConnectPacketPayloads) Will() *mqtt.Message {
	if !p.ConnectFlag.WillMessageFlag {
		return nil
	}
	will := mqtt.Message{
		Topic:   p.WillMessageTopic.String(),
		Payload: append([]byte(nil), p.WillMessageContent.Payload...),
		QoS:     mqtt.QoS(p.ConnectFlag.QoSLevel),
		Retain:  p.ConnectFlag.RemainFlag,
	}
	return &will
}

func NewConnectAckPacket(sessionPresent bool, returnCode mqtt.ConnAckCode) []byte {
	if sessionPresent {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

// ParseConnectPacket 解析 CONNECT 控制包的可变头和负载。
// 协议级别原样返回，是否支持由准入流程决定
func ParseConnectPacket(packet *mqtt.Packet) (*ConnectPacketPayloads, error) {
	payload := packet.Payload
	result := &ConnectPacketPayloads{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return result, malformed("unable to check protocol string")
	}
	result.ProtocolName = protocolString.String()
	if result.ProtocolName != ProtocolNameV311 && result.ProtocolName != ProtocolNameV31 {
		return result, malformed("incorrect protocol string: %s", result.ProtocolName)
	}

	// 协议版本
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return result, malformed("unable to read protocol version")
	}
	result.ProtocolVersion = mqtt.ProtocolVersion(protocolVersion)

	// 连接标志位
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return result, malformed("unable to read connect flag")
	}
	if result.ProtocolVersion == mqtt.ProtocolV311 && connectFlag&0x01 != 0 {
		return result, malformed("reserved connect flag must be 0")
	}

	// 解析标志位
	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        (connectFlag & 0x18) >> 3, // 0x18 = 00011000
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}

	if !result.ConnectFlag.WillMessageFlag && (result.ConnectFlag.RemainFlag || result.ConnectFlag.QoSLevel != 0) {
		return result, malformed("when will message flag is not set, remain flag must not be set and QoSLevel must be 0")
	}
	if result.ConnectFlag.QoSLevel > 2 {
		return result, malformed("will QoS must not be 3")
	}

	// Keep Alive Time
	keepAlive, err := readPacketID(payload)
	if err != nil {
		return result, malformed("unable to read keep alive time")
	}
	result.KeepAlive = keepAlive

	// Client ID
	if result.ClientIdentifier, err = readPacketPayload(payload); err != nil {
		return result, err
	}

	// Will Message
	if result.ConnectFlag.WillMessageFlag {
		if result.WillMessageTopic, err = readPacketPayload(payload); err != nil {
			return result, err
		}
		if err = subscription.ValidateTopic(result.WillMessageTopic.String()); err != nil {
			return result, malformed("invalid will topic: %v", err)
		}
		if result.WillMessageContent, err = readPacketPayload(payload); err != nil {
			return result, err
		}
	}

	// Username
	if result.ConnectFlag.UsernameFlag {
		if result.UsernamePayload, err = readPacketPayload(payload); err != nil {
			return result, err
		}
	}

	// Password
	if result.ConnectFlag.PasswordFlag {
		if result.PasswordPayload, err = readPacketPayload(payload); err != nil {
			return result, err
		}
	}

	return result, nil
}
