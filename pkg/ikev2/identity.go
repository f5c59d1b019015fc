package ikev2

import (
	"errors"
	"fmt"
	"net"
)

// IDType 身份标识类型 (RFC 7296 3.5 节)
type IDType uint8

const (
	ID_IPV4_ADDR   IDType = 1
	ID_FQDN        IDType = 2
	ID_RFC822_ADDR IDType = 3
	ID_IPV6_ADDR   IDType = 5
	ID_DER_ASN1_DN IDType = 9
	ID_DER_ASN1_GN IDType = 10
	ID_KEY_ID      IDType = 11
)

// Identification 身份标识载荷的主体
// AUTH 计算使用的 IDx' 即 Encode 的结果 (不含通用载荷头部)
type Identification struct {
	Type IDType
	Data []byte
}

// NewIPIdentification 按地址族选择 ID_IPV4_ADDR 或 ID_IPV6_ADDR
func NewIPIdentification(ip net.IP) *Identification {
	if v4 := ip.To4(); v4 != nil {
		return &Identification{Type: ID_IPV4_ADDR, Data: v4}
	}
	return &Identification{Type: ID_IPV6_ADDR, Data: ip.To16()}
}

// Encode 1 字节类型 + 3 字节保留 + 数据
func (id *Identification) Encode() []byte {
	buf := make([]byte, 4+len(id.Data))
	buf[0] = uint8(id.Type)
	copy(buf[4:], id.Data)
	return buf
}

func (id *Identification) String() string {
	switch id.Type {
	case ID_IPV4_ADDR, ID_IPV6_ADDR:
		return net.IP(id.Data).String()
	case ID_FQDN, ID_RFC822_ADDR:
		return string(id.Data)
	default:
		return fmt.Sprintf("type%d:%x", id.Type, id.Data)
	}
}

func DecodeIdentification(data []byte) (*Identification, error) {
	if len(data) < 4 {
		return nil, errors.New("ID 载荷太短")
	}
	id := &Identification{Type: IDType(data[0]), Data: append([]byte(nil), data[4:]...)}
	switch id.Type {
	case ID_IPV4_ADDR:
		if len(id.Data) != net.IPv4len {
			return nil, fmt.Errorf("IPv4 身份长度错误: %d", len(id.Data))
		}
	case ID_IPV6_ADDR:
		if len(id.Data) != net.IPv6len {
			return nil, fmt.Errorf("IPv6 身份长度错误: %d", len(id.Data))
		}
	}
	return id, nil
}
