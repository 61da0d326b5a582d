package broker

import (
	"github.com/life-stream-dev/life-stream-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-broker/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

// DefaultLegacyClientIDMaxLength MQTT 3.1 对客户端标识长度的限制
const DefaultLegacyClientIDMaxLength = 23

// Options 由调用方显式构造，编排器不读取任何全局配置
type Options struct {
	LegacyClientIDMaxLength int
	Gate                    *auth.Gate
	Observer                Observer
	DispatchObserver        dispatcher.Observer
}

// Observer 接收连接生命周期事件
type Observer interface {
	ClientConnected(clientID string)
	ClientDisconnected(clientID string)
	ConnectRejected(code mqtt.ConnAckCode)
}

type nopObserver struct{}

func (nopObserver) ClientConnected(string) {}
func (nopObserver) ClientDisconnected(string) {}
func (nopObserver) ConnectRejected(mqtt.ConnAckCode) {}

// ConnectRequest CONNECT 报文中编排器关心的字段
type ConnectRequest struct {
	ProtocolName    string
	ProtocolVersion mqtt.ProtocolVersion
	ClientID        string
	CleanSession    bool
	KeepAlive       uint16
	Will            *mqtt.Message
	Username        string
	Password        string
}

// TopicRequest SUBSCRIBE 报文中的一项
type TopicRequest struct {
	Filter string
	QoS    mqtt.QoS
}

// SubAckFailure SUBACK 中表示订阅失败的返回码
const SubAckFailure byte = 0x80
