// Package server TCP 传输层：接受连接、读取报文并转交给编排器，实现 connection.Client
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/mqtt"
)

// Handler 编排器对传输层暴露的事件入口，由 *broker.Broker 实现
type Handler interface {
	Connected(client connection.Client)
	ConnectReceived(client connection.Client, request broker.ConnectRequest) (mqtt.ConnAckCode, string)
	PublishReceived(client connection.Client, msg mqtt.Message) error
	SubscribeReceived(client connection.Client, packetID uint16, topics []broker.TopicRequest)
	UnsubscribeReceived(client connection.Client, packetID uint16, filters []string)
	Disconnected(client connection.Client)
	ConnectionClosed(client connection.Client)
}

type Server struct {
	handler Handler
	sem     chan struct{}

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(handler Handler, maxConnections int) *Server {
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	return &Server{
		handler: handler,
		sem:     make(chan struct{}, maxConnections),
	}
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve 阻塞执行接受循环，直到监听器被关闭
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.closed.Load() {
		return ln.Close()
	}
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			NewConnectionHandler(c, s.handler).handleConnection()
		}(conn)
	}
}

// Addr 监听地址，尚未开始监听时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Invoke 停止接受新连接；已有连接由编排器关闭
func (s *Server) Invoke(_ context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	logger.InfoF("Stopping MQTT server")
	return s.listener.Close()
}

// Wait 等待所有连接协程退出
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
