// Package mqtt 实现了MQTT协议的核心类型定义和常量
package mqtt

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

// PacketTypeMap 将PacketType映射到其字符串表示
var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

// String 返回PacketType的字符串表示
func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return "UNKNOWN"
}

// allowedFlags 定义了每种报文类型允许的标志位组合
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00, // 0000
	CONNACK:     0x00, // 0000
	PUBLISH:     0x0F, // 1111（允许所有标志位组合）
	PUBACK:      0x00, // 0000
	PUBREC:      0x00, // 0000
	PUBREL:      0x02, // 0010
	PUBCOMP:     0x00, // 0000
	SUBSCRIBE:   0x02, // 0010
	SUBACK:      0x00, // 0000
	UNSUBSCRIBE: 0x02, // 0010
	UNSUBACK:    0x00, // 0000
	PINGREQ:     0x00, // 0000
	PINGRESP:    0x00, // 0000
	DISCONNECT:  0x00, // 0000
}

// FixedHeader 定义了MQTT固定头部结构
type FixedHeader struct {
	Type            PacketType // 报文类型
	Flags           byte       // 标志位
	RemainingLength int        // 剩余长度
}

// Payload 定义了MQTT报文负载结构
type Payload struct {
	Context    []byte // 负载内容
	ContextLen int    // 负载长度
	CurrentPtr int    // 当前读取位置
}

// Packet 定义了完整的MQTT报文结构
type Packet struct {
	Header  *FixedHeader // 固定头部
	Payload *Payload     // 可变头部和有效载荷
}

// QoS 服务质量等级
type QoS byte

const (
	QoS0 QoS = iota // 至多一次
	QoS1            // 至少一次
	QoS2            // 恰好一次
)

// Valid 是否为 0、1、2 之一
func (q QoS) Valid() bool {
	return q <= QoS2
}

// MinQoS 取较低的等级，投递时不会升级消息的 QoS
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// ProtocolVersion CONNECT报文中的协议级别
type ProtocolVersion byte

const (
	ProtocolV31  ProtocolVersion = 0x03 // MQIsdp
	ProtocolV311 ProtocolVersion = 0x04 // MQTT
)

// Supported 是否为代理支持的协议级别
func (v ProtocolVersion) Supported() bool {
	return v == ProtocolV31 || v == ProtocolV311
}

// ConnAckCode CONNACK 返回码
type ConnAckCode byte

const (
	Accepted ConnAckCode = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)

var connAckCodeNames = map[ConnAckCode]string{
	Accepted:              "accepted",
	UnacceptableProtocol:  "unsupported protocol version",
	IdentifierRejected:    "identifier rejected",
	ServerUnavailable:     "server unavailable",
	BadUsernameOrPassword: "bad username or password",
	NotAuthorized:         "not authorized",
}

func (c ConnAckCode) String() string {
	if name, ok := connAckCodeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Message 一条待投递的应用消息，在调度器队列、会话离线队列以及在途消息中流转
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
	Dup     bool
}

// Clone 复制消息，载荷不与原缓冲区共享
func (m Message) Clone() Message {
	if m.Payload != nil {
		payload := make([]byte, len(m.Payload))
		copy(payload, m.Payload)
		m.Payload = payload
	}
	return m
}
