package tkm

import (
	"fmt"
	"sync"
)

// 不透明句柄。值只在密钥管理器内部有意义，外部只能按值传递
type (
	NcID  uint64 // 随机数上下文
	DhID  uint64 // Diffie-Hellman 上下文
	IsaID uint64 // IKE SA 上下文
	EsaID uint64 // ESP SA 上下文
)

func (id NcID) String() string  { return fmt.Sprintf("nc:%#x", uint64(id)) }
func (id DhID) String() string  { return fmt.Sprintf("dh:%#x", uint64(id)) }
func (id IsaID) String() string { return fmt.Sprintf("isa:%#x", uint64(id)) }
func (id EsaID) String() string { return fmt.Sprintf("esa:%#x", uint64(id)) }

// arena 固定容量的句柄表
// 句柄 = 代数(高 32 位) | 槽位+1(低 32 位)，释放后代数递增，旧句柄即失效
type arena[T any] struct {
	mu    sync.Mutex
	kind  string
	slots []arenaSlot[T]
	free  []uint32
	limit int
	inUse int
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

func newArena[T any](kind string, limit int) *arena[T] {
	return &arena[T]{kind: kind, limit: limit}
}

func (a *arena[T]) alloc(v T) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	switch {
	case len(a.free) > 0:
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.slots) < a.limit:
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot[T]{gen: 1})
	default:
		return 0, fmt.Errorf("%w: %s (上限 %d)", ErrResourceExhausted, a.kind, a.limit)
	}

	s := &a.slots[idx]
	s.used = true
	s.val = v
	a.inUse++
	return uint64(s.gen)<<32 | uint64(idx+1), nil
}

func (a *arena[T]) lookup(id uint64) (*arenaSlot[T], error) {
	idx := uint32(id)
	gen := uint32(id >> 32)
	if idx == 0 || int(idx) > len(a.slots) {
		return nil, fmt.Errorf("%w: %s %#x", ErrStaleHandle, a.kind, id)
	}
	s := &a.slots[idx-1]
	if !s.used || s.gen != gen {
		return nil, fmt.Errorf("%w: %s %#x", ErrStaleHandle, a.kind, id)
	}
	return s, nil
}

func (a *arena[T]) get(id uint64) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

func (a *arena[T]) release(id uint64) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	s, err := a.lookup(id)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, uint32(id)-1)
	a.inUse--
	return v, nil
}

func (a *arena[T]) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
