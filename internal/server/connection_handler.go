package server

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-broker/internal/session"
)

const (
	connectTimeout = time.Minute
	writeTimeout   = 10 * time.Second
)

var (
	ErrConnectionRejected = errors.New("connection rejected")
	ErrProtocolViolation  = errors.New("protocol violation")
)

// ConnectionHandler 一条 TCP 连接，同时作为核心使用的 connection.Client
type ConnectionHandler struct {
	conn      net.Conn
	connId    string // 远端地址，写路径日志使用
	clientID  string // 只由读协程读写
	handler   Handler
	keepAlive time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once

	// ready 在 CONNACK（以及在途消息重发）写出后关闭，此前调度器的投递需要等待
	ready     chan struct{}
	readyOnce sync.Once

	stateMu   sync.Mutex
	packetIDs *session.PacketIDManager
	outbound  map[uint16]session.InflightMessage // 已发出、等待 PUBACK/PUBCOMP
	inbound   map[uint16]struct{}                // 已收到 QoS 2 PUBLISH、等待 PUBREL
	restored  []session.InflightMessage
}

func NewConnectionHandler(conn net.Conn, handler Handler) *ConnectionHandler {
	return &ConnectionHandler{
		conn:      conn,
		connId:    conn.RemoteAddr().String(),
		handler:   handler,
		ready:     make(chan struct{}),
		packetIDs: session.NewPacketIDManager(),
		outbound:  make(map[uint16]session.InflightMessage),
		inbound:   make(map[uint16]struct{}),
	}
}

func (c *ConnectionHandler) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := connection.Send(c.conn, data, c.connId); err != nil {
		// 写失败后关闭连接，读协程随之退出并触发关闭流程
		_ = c.Close()
		return err
	}
	return nil
}

func (c *ConnectionHandler) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)
	})
}

func (c *ConnectionHandler) SendConnAck(code mqtt.ConnAckCode, sessionPresent bool) error {
	defer c.markReady()
	if err := c.send(pa.NewConnectAckPacket(sessionPresent, code)); err != nil {
		return err
	}
	if code != mqtt.Accepted {
		return nil
	}

	c.stateMu.Lock()
	pending := c.restored
	c.restored = nil
	c.stateMu.Unlock()

	// 重发上次会话未完成的在途消息
	for _, inflight := range pending {
		var data []byte
		if inflight.Released {
			data = pa.NewPubRelPacket(inflight.PacketID)
		} else {
			msg := inflight.Message
			msg.Dup = true
			data = pa.NewPublishPacket(msg, inflight.PacketID)
		}
		if err := c.send(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConnectionHandler) SendSubAck(packetID uint16, granted []byte) error {
	return c.send(pa.NewSubAckPacket(packetID, granted))
}

func (c *ConnectionHandler) SendUnsubAck(packetID uint16) error {
	return c.send(pa.NewUnSubAckPacket(packetID))
}

func (c *ConnectionHandler) SendPublish(msg mqtt.Message) error {
	<-c.ready
	var packetID uint16
	if msg.QoS > mqtt.QoS0 {
		c.stateMu.Lock()
		id, err := c.packetIDs.NextID()
		if err != nil {
			c.stateMu.Unlock()
			return fmt.Errorf("allocate packet id: %w", err)
		}
		packetID = id
		c.outbound[id] = session.InflightMessage{PacketID: id, Message: msg}
		c.stateMu.Unlock()
	}
	return c.send(pa.NewPublishPacket(msg, packetID))
}

func (c *ConnectionHandler) RestoreInflight(msgs []session.InflightMessage) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for _, msg := range msgs {
		c.packetIDs.Reserve(msg.PacketID)
		c.outbound[msg.PacketID] = msg
		c.restored = append(c.restored, msg)
	}
}

func (c *ConnectionHandler) Inflight() []session.InflightMessage {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	result := make([]session.InflightMessage, 0, len(c.outbound))
	for _, msg := range c.outbound {
		result = append(result, msg)
	}
	slices.SortFunc(result, func(a, b session.InflightMessage) int {
		return int(a.PacketID) - int(b.PacketID)
	})
	return result
}

func (c *ConnectionHandler) Close() error {
	var err error
	c.markReady()
	c.closeOnce.Do(func() {
		logger.DebugF("[%s] Connection closed", c.connId)
		if err = c.conn.Close(); err != nil && connection.IsNetClosedError(err) {
			err = nil
		}
	})
	return err
}

func (c *ConnectionHandler) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(connectTimeout))
	packet, err := mqtt.ReadPacket(c.conn)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connId, err)
		return err
	}

	if packet.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connId, mqtt.CONNECT.String(), packet.Header.Type.String())
		return ErrProtocolViolation
	}

	clientInfo, err := pa.ParseConnectPacket(packet)
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connId, err)
		return err
	}

	code, clientID := c.handler.ConnectReceived(c, broker.ConnectRequest{
		ProtocolName:    clientInfo.ProtocolName,
		ProtocolVersion: clientInfo.ProtocolVersion,
		ClientID:        clientInfo.ClientIdentifier.String(),
		CleanSession:    clientInfo.ConnectFlag.CleanSession,
		KeepAlive:       clientInfo.KeepAlive,
		Will:            clientInfo.Will(),
		Username:        clientInfo.UsernamePayload.String(),
		Password:        clientInfo.PasswordPayload.String(),
	})
	if code != mqtt.Accepted {
		return fmt.Errorf("%w: %s", ErrConnectionRejected, code)
	}
	c.clientID = clientID

	c.keepAlive = time.Duration(clientInfo.KeepAlive) * time.Second
	if c.keepAlive == 0 {
		logger.DebugF("[%s] Keep alive set to 0, heartbeat disable", c.clientID)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	return nil
}

func (c *ConnectionHandler) handlePublish(packet *mqtt.Packet) error {
	result, err := pa.ParsePublishPacket(packet)
	if err != nil {
		return err
	}

	switch mqtt.QoS(result.PacketFlag.QoS) {
	case mqtt.QoS0:
		return c.handler.PublishReceived(c, result.Message())
	case mqtt.QoS1:
		if err := c.handler.PublishReceived(c, result.Message()); err != nil {
			return err
		}
		return c.send(pa.NewPubAckPacket(result.PacketID))
	default:
		c.stateMu.Lock()
		_, duplicate := c.inbound[result.PacketID]
		c.inbound[result.PacketID] = struct{}{}
		c.stateMu.Unlock()
		// 重复的 QoS 2 报文只补发 PUBREC，不再分发
		if !duplicate {
			if err := c.handler.PublishReceived(c, result.Message()); err != nil {
				return err
			}
		}
		return c.send(pa.NewPubRecPacket(result.PacketID))
	}
}

func (c *ConnectionHandler) handleAck(packet *mqtt.Packet) error {
	packetID, err := pa.ParseAckPacket(packet)
	if err != nil {
		return err
	}

	c.stateMu.Lock()
	switch packet.Header.Type {
	case mqtt.PUBACK, mqtt.PUBCOMP:
		if _, ok := c.outbound[packetID]; ok {
			delete(c.outbound, packetID)
			c.packetIDs.ReleaseID(packetID)
		}
		c.stateMu.Unlock()
		return nil
	case mqtt.PUBREC:
		if inflight, ok := c.outbound[packetID]; ok {
			inflight.Released = true
			c.outbound[packetID] = inflight
		}
		c.stateMu.Unlock()
		return c.send(pa.NewPubRelPacket(packetID))
	default: // PUBREL
		delete(c.inbound, packetID)
		c.stateMu.Unlock()
		return c.send(pa.NewPubCompPacket(packetID))
	}
}

// handlePacket 返回 true 表示客户端正常断开
func (c *ConnectionHandler) handlePacket() bool {
	for {
		if c.keepAlive != 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		}

		packet, err := mqtt.ReadPacket(c.conn)
		if err != nil {
			connection.HandleReadError(c.clientID, err)
			return false
		}

		logger.DebugF("[%s] Receive %s package, remaining length %d", c.clientID, packet.Header.Type, packet.Header.RemainingLength)

		switch packet.Header.Type {
		case mqtt.CONNECT:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.clientID)
			return false
		case mqtt.PUBLISH:
			err = c.handlePublish(packet)
		case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP:
			err = c.handleAck(packet)
		case mqtt.SUBSCRIBE:
			var result *pa.SubscribePacketPayloads
			if result, err = pa.ParseSubscribePacket(packet); err == nil {
				topics := make([]broker.TopicRequest, 0, len(result.Subscriptions))
				for _, sub := range result.Subscriptions {
					topics = append(topics, broker.TopicRequest{Filter: sub.Filter, QoS: sub.QoS})
				}
				c.handler.SubscribeReceived(c, result.PacketID, topics)
			}
		case mqtt.UNSUBSCRIBE:
			var result *pa.UnSubscribePacketPayloads
			if result, err = pa.ParseUnSubscribePacket(packet); err == nil {
				c.handler.UnsubscribeReceived(c, result.PacketID, result.TopicFilters)
			}
		case mqtt.PINGREQ:
			if err = pa.ValidateEmptyPacket(packet); err == nil {
				err = c.send(pa.NewPingRespPacket())
			}
		case mqtt.DISCONNECT:
			logger.InfoF("[%s] Client disconnect", c.clientID)
			return true
		default:
			logger.WarnF("[%s] %s package is not expected from client", c.clientID, packet.Header.Type.String())
			return false
		}

		if err != nil {
			logger.ErrorF("[%s] Fail to handle %s packet, details: %v", c.clientID, packet.Header.Type, err)
			return false
		}
	}
}

func (c *ConnectionHandler) handleConnection() {
	c.handler.Connected(c)
	defer func() {
		c.handler.ConnectionClosed(c)
		_ = c.Close()
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}

	if c.handlePacket() {
		c.handler.Disconnected(c)
	}
}
