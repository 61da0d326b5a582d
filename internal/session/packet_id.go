package session

import (
	"errors"
	"sync"
)

var ErrNoPacketID = errors.New("no packet identifier available")

// PacketIDManager 单个连接的报文标识符分配器
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1, // 起始值为1
		released:  make(map[uint16]struct{}),
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 优先使用已释放的ID
	for id := range m.released {
		delete(m.released, id)
		m.inUse[id] = struct{}{}
		return id, nil
	}

	// 分配新ID，跳过仍在使用中的
	for i := 0; i < 65535; i++ {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, busy := m.inUse[id]; !busy {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
	return 0, ErrNoPacketID
}

// Reserve 标记恢复的在途消息所占用的ID
func (m *PacketIDManager) Reserve(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.released, id)
	m.inUse[id] = struct{}{}
}

// ReleaseID 释放ID（收到确认后调用）
func (m *PacketIDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inUse[id]; !ok {
		return
	}
	delete(m.inUse, id)
	m.released[id] = struct{}{}
}
