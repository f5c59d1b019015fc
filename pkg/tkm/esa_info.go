package tkm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// EsaInfo 延迟的 Child SA 密钥记录
// 它不是密钥，只是一张凭证: 安装组件把它交回密钥管理器，由后者把真实密钥直接写入内核
type EsaInfo struct {
	IsaID   IsaID
	DhID    DhID // 无 PFS 时为 0
	SpiR    uint32
	NonceI  []byte
	NonceR  []byte
	IsEncrR bool // false: 发起方方向密钥, true: 响应方方向密钥
}

const esaInfoFixedLen = 8 + 8 + 4 + 2 + 2 + 1

// Clone 深拷贝，随机数字节不与原记录共享
func (e *EsaInfo) Clone() *EsaInfo {
	c := *e
	c.NonceI = bytes.Clone(e.NonceI)
	c.NonceR = bytes.Clone(e.NonceR)
	return &c
}

// Release 清除记录中的随机数副本
func (e *EsaInfo) Release() {
	clear(e.NonceI)
	clear(e.NonceR)
	e.NonceI = nil
	e.NonceR = nil
}

// Equal 比较两个记录的全部字段
func (e *EsaInfo) Equal(o *EsaInfo) bool {
	return e.IsaID == o.IsaID && e.DhID == o.DhID && e.SpiR == o.SpiR &&
		e.IsEncrR == o.IsEncrR && bytes.Equal(e.NonceI, o.NonceI) && bytes.Equal(e.NonceR, o.NonceR)
}

// MarshalBinary 边界格式 (大端):
// isa_id(8) | dh_id(8) | spi_r(4) | len(2) nonce_i | len(2) nonce_r | is_encr_r(1)
func (e *EsaInfo) MarshalBinary() ([]byte, error) {
	if len(e.NonceI) > 0xffff || len(e.NonceR) > 0xffff {
		return nil, errors.New("随机数过长")
	}

	buf := make([]byte, 0, esaInfoFixedLen+len(e.NonceI)+len(e.NonceR))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.IsaID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.DhID))
	buf = binary.BigEndian.AppendUint32(buf, e.SpiR)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.NonceI)))
	buf = append(buf, e.NonceI...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.NonceR)))
	buf = append(buf, e.NonceR...)
	if e.IsEncrR {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

// UnmarshalBinary 解析 MarshalBinary 的输出，随机数会被拷贝
func (e *EsaInfo) UnmarshalBinary(data []byte) error {
	if len(data) < esaInfoFixedLen {
		return fmt.Errorf("ESA 记录过短: %d 字节", len(data))
	}

	off := 0
	e.IsaID = IsaID(binary.BigEndian.Uint64(data[off:]))
	off += 8
	e.DhID = DhID(binary.BigEndian.Uint64(data[off:]))
	off += 8
	e.SpiR = binary.BigEndian.Uint32(data[off:])
	off += 4

	var err error
	if e.NonceI, off, err = readChunk(data, off); err != nil {
		return err
	}
	if e.NonceR, off, err = readChunk(data, off); err != nil {
		return err
	}

	if off+1 != len(data) {
		return fmt.Errorf("ESA 记录长度不符: 剩余 %d 字节", len(data)-off)
	}
	switch data[off] {
	case 0:
		e.IsEncrR = false
	case 1:
		e.IsEncrR = true
	default:
		return fmt.Errorf("无效的 is_encr_r 标志: %d", data[off])
	}
	return nil
}

func readChunk(data []byte, off int) ([]byte, int, error) {
	if off+2 > len(data) {
		return nil, off, errors.New("ESA 记录截断: 缺少长度字段")
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return nil, off, errors.New("ESA 记录截断: 随机数不完整")
	}
	return bytes.Clone(data[off : off+n]), off + n, nil
}
