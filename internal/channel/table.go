// Package channel 管理每条连接上通道名与16位通道ID之间的映射
package channel

import (
	"container/heap"
	"errors"
	"sync"
)

// MaxChannels 16位ID空间的大小
const MaxChannels = 1 << 16

var ErrRegistryFull = errors.New("channel registry is full")

// idHeap 已释放ID组成的小顶堆, 分配时总是取最小的空洞
type idHeap []uint16

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) {
	*h = append(*h, x.(uint16))
}

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Table 单个方向的通道表
type Table struct {
	mu    sync.RWMutex
	slots []string // 下标即ID, 空串表示空洞
	used  []bool
	holes idHeap
	ids   map[string]uint16
}

func NewTable() *Table {
	return &Table{
		ids: make(map[string]uint16),
	}
}

// Register 为name分配ID, 同名重复注册返回已有ID
func (t *Table) Register(name string) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.ids[name]; ok {
		return id, nil
	}

	var id uint16
	if t.holes.Len() > 0 {
		id = heap.Pop(&t.holes).(uint16)
		t.slots[id] = name
		t.used[id] = true
	} else {
		if len(t.slots) >= MaxChannels {
			return 0, ErrRegistryFull
		}
		id = uint16(len(t.slots))
		t.slots = append(t.slots, name)
		t.used = append(t.used, true)
	}
	t.ids[name] = id
	return id, nil
}

// Unregister 释放ID, 返回原来绑定的通道名
func (t *Table) Unregister(id uint16) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(id) >= len(t.slots) || !t.used[id] {
		return "", false
	}
	name := t.slots[id]
	t.slots[id] = ""
	t.used[id] = false
	delete(t.ids, name)
	heap.Push(&t.holes, id)
	return name, true
}

// Resolve 越界或已释放的ID返回false
func (t *Table) Resolve(id uint16) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) >= len(t.slots) || !t.used[id] {
		return "", false
	}
	return t.slots[id], true
}

func (t *Table) Lookup(name string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[name]
	return id, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}

func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = nil
	t.used = nil
	t.holes = nil
	t.ids = make(map[string]uint16)
}

// Registry 服务端会话使用的双向通道表.
// 方向以本端为准: 对端的PUB_TOPIC登记到Incoming, SUB_TOPIC登记到Outgoing
type Registry struct {
	Incoming *Table
	Outgoing *Table
}

func NewRegistry() *Registry {
	return &Registry{
		Incoming: NewTable(),
		Outgoing: NewTable(),
	}
}

func (r *Registry) RegisterIncoming(name string) (uint16, error) {
	return r.Incoming.Register(name)
}

func (r *Registry) RegisterOutgoing(name string) (uint16, error) {
	return r.Outgoing.Register(name)
}

func (r *Registry) UnregisterIncoming(id uint16) (string, bool) {
	return r.Incoming.Unregister(id)
}

func (r *Registry) UnregisterOutgoing(id uint16) (string, bool) {
	return r.Outgoing.Unregister(id)
}

func (r *Registry) ResolveIncoming(id uint16) (string, bool) {
	return r.Incoming.Resolve(id)
}

func (r *Registry) ResolveOutgoing(id uint16) (string, bool) {
	return r.Outgoing.Resolve(id)
}

func (r *Registry) LookupOutgoing(name string) (uint16, bool) {
	return r.Outgoing.Lookup(name)
}

func (r *Registry) Reset() {
	r.Incoming.Reset()
	r.Outgoing.Reset()
}
