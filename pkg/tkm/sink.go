package tkm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemorySink 把安装请求记录在内存中，不触碰内核
// 用于禁用内核安装的部署 (dry-run) 和测试
type MemorySink struct {
	mu  sync.Mutex
	sas map[uint32]*SAKeys
}

var _ KernelSink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{sas: make(map[uint32]*SAKeys)}
}

func (m *MemorySink) InstallSA(ctx context.Context, sa *SAKeys) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sas[sa.SPI]; ok {
		return fmt.Errorf("SPI %#x 已存在", sa.SPI)
	}
	c := *sa
	c.EncKey = bytes.Clone(sa.EncKey)
	c.IntegKey = bytes.Clone(sa.IntegKey)
	m.sas[sa.SPI] = &c
	return nil
}

func (m *MemorySink) RemoveSA(ctx context.Context, sa *SAKeys) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sas, sa.SPI)
	return nil
}

// Lookup 返回已安装 SA 的副本
func (m *MemorySink) Lookup(spi uint32) (*SAKeys, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.sas[spi]
	if !ok {
		return nil, false
	}
	c := *sa
	return &c, true
}

func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sas)
}
