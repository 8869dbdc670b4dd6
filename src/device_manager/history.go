package device_manager

import (
	"github.com/nhirsama/Goster-GPS/src/inter"
)

// HistoryCapacity 每个设备保留的已接受样本数
const HistoryCapacity = 10

// History 定长的已接受样本队列
// 不是并发安全的，由所属会话的锁保护
type History struct {
	items    []inter.Ping
	capacity int
}

func NewHistory(cap int) *History {
	if cap <= 0 {
		cap = HistoryCapacity
	}
	return &History{
		items:    make([]inter.Ping, 0, cap),
		capacity: cap,
	}
}

// Push 追加一条样本
func (h *History) Push(p inter.Ping) {
	if len(h.items) == h.capacity {
		// 队列满策略：丢弃最早的一条再压入
		copy(h.items, h.items[1:])
		h.items = h.items[:len(h.items)-1]
	}
	h.items = append(h.items, p)
}

// Last 最近一条样本的副本，为空时返回 nil
func (h *History) Last() *inter.Ping {
	if len(h.items) == 0 {
		return nil
	}
	p := h.items[len(h.items)-1]
	return &p
}

// Items 按时间顺序 (最新的在末尾) 返回样本副本
func (h *History) Items() []inter.Ping {
	out := make([]inter.Ping, len(h.items))
	copy(out, h.items)
	return out
}

func (h *History) Len() int {
	return len(h.items)
}

func (h *History) IsEmpty() bool {
	return len(h.items) == 0
}
