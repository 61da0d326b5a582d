// Package connection 定义传输层连接句柄以及按客户端标识索引的连接注册表
package connection

import (
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-broker/internal/session"
)

// Client 传输层为每条连接提供的句柄，核心只通过它向客户端写报文
type Client interface {
	SendConnAck(code mqtt.ConnAckCode, sessionPresent bool) error
	// SendSubAck granted 中每个元素对应一个主题过滤器，0x80 表示订阅失败
	SendSubAck(packetID uint16, granted []byte) error
	SendUnsubAck(packetID uint16) error
	SendPublish(msg mqtt.Message) error
	// RestoreInflight 交给连接上次会话遗留的在途消息，CONNACK 接受后重发
	RestoreInflight(msgs []session.InflightMessage)
	Inflight() []session.InflightMessage
	Close() error
	RemoteAddr() string
}
