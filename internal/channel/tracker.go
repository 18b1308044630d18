package channel

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrDuplicateChannel = errors.New("channel already tracked")
	ErrUnknownChannel   = errors.New("channel not tracked")
	ErrNotAssigned      = errors.New("channel has no assigned id")
)

// State 客户端通道条目的状态
type State int

const (
	Pending  State = iota // 已发出注册请求, 等待ACK
	Assigned              // 已由对端分配ID
	Releasing             // 已发出注销请求, ID在ACK到达前仍可解析但不可再使用
)

func (s State) String() string {
	switch s {
	case Assigned:
		return "Assigned"
	case Releasing:
		return "Releasing"
	default:
		return "Pending"
	}
}

type Entry struct {
	State State
	ID    uint16 // Pending时无效
}

func (e Entry) hasID() bool {
	return e.State != Pending
}

// Tracker 客户端一侧的两阶段通道表, ID由对端在ACK中下发
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
	names   map[uint16]string
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]Entry),
		names:   make(map[uint16]string),
	}
}

// Reserve 登记一个等待分配的通道
func (t *Tracker) Reserve(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; ok {
		return ErrDuplicateChannel
	}
	t.entries[name] = Entry{State: Pending}
	return nil
}

// Assign 将Pending条目转为Assigned
func (t *Tracker) Assign(name string, id uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[name]
	if !ok {
		return ErrUnknownChannel
	}
	if entry.hasID() {
		delete(t.names, entry.ID)
	}
	t.entries[name] = Entry{State: Assigned, ID: id}
	t.names[id] = name
	return nil
}

// Release 将Assigned条目转为Releasing并返回原条目
func (t *Tracker) Release(name string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[name]
	if !ok {
		return Entry{}, ErrUnknownChannel
	}
	if entry.State != Assigned {
		return entry, ErrNotAssigned
	}
	t.entries[name] = Entry{State: Releasing, ID: entry.ID}
	return entry, nil
}

func (t *Tracker) Remove(name string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[name]
	if !ok {
		return Entry{}, false
	}
	delete(t.entries, name)
	if entry.hasID() && t.names[entry.ID] == name {
		delete(t.names, entry.ID)
	}
	return entry, true
}

func (t *Tracker) Lookup(name string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[name]
	return entry, ok
}

// Resolve 解析Assigned与Releasing条目的ID
func (t *Tracker) Resolve(id uint16) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.names[id]
	return name, ok
}

// Names 按字典序返回所有条目名
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
