package session

import "testing"

func TestPacketID(t *testing.T) {
	mgr := NewPacketIDManager()
	mgr2 := NewPacketIDManager()
	if mgr == mgr2 {
		t.Fatal("each connection must get its own manager")
	}

	// 测试分配
	id1, err := mgr.NextID()
	if err != nil || id1 != 1 {
		t.Fatalf("Expected 1, got %d (%v)", id1, err)
	}

	// 测试释放与复用
	mgr.ReleaseID(id1)
	id2, _ := mgr.NextID()
	if id2 != 1 {
		t.Fatalf("Expected 1 after release, got %d", id2)
	}

	// 测试溢出
	mgr.currentID = 65535
	id3, _ := mgr.NextID()
	if id3 != 65535 {
		t.Fatalf("Expected 65535, got %d", id3)
	}
	id4, _ := mgr.NextID()
	if id4 != 2 {
		t.Fatalf("Expected 2 after overflow (1 is still in use), got %d", id4)
	}
}

func TestPacketIDSkipsReserved(t *testing.T) {
	mgr := NewPacketIDManager()
	mgr.Reserve(1)
	mgr.Reserve(2)

	id, err := mgr.NextID()
	if err != nil || id != 3 {
		t.Fatalf("Expected 3, got %d (%v)", id, err)
	}

	mgr.ReleaseID(42) // 未分配的ID不会进入复用池
	id, _ = mgr.NextID()
	if id != 4 {
		t.Fatalf("Expected 4, got %d", id)
	}
}
