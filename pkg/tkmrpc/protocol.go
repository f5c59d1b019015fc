// Package tkmrpc 在 Unix 套接字上承载密钥管理器请求
//
// 每条消息由 16 字节大端头部和 JSON 负载组成:
//
//	magic(4) "TKMI" | version(1) | flags(1) | op(2) | request id(4) | length(4)
//
// 响应复用请求的 op 与 request id，并置 FlagResponse
package tkmrpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/iniwex5/tkm-go/pkg/ikev2"
	"github.com/iniwex5/tkm-go/pkg/tkm"
)

const (
	ProtocolMagic   uint32 = 0x544b4d49 // "TKMI"
	ProtocolVersion uint8  = 1
	HeaderSize             = 16

	// 单条消息负载上限
	MaxPayload = 1 << 20
)

const (
	FlagResponse uint8 = 0x01
)

// Op 请求类型
type Op uint16

const (
	OpAlgorithms    Op = 0x0001
	OpNonceCreate   Op = 0x0101
	OpNonceReset    Op = 0x0102
	OpDhCreate      Op = 0x0201
	OpDhPublicValue Op = 0x0202
	OpDhSetPeer     Op = 0x0203
	OpDhReset       Op = 0x0204
	OpIsaAllocate   Op = 0x0301
	OpIsaCreate     Op = 0x0302
	OpIsaReset      Op = 0x0303
	OpIsaEncrypt    Op = 0x0304
	OpIsaDecrypt    Op = 0x0305
	OpIsaSign       Op = 0x0306
	OpIsaVerify     Op = 0x0307
	OpIsaAuth       Op = 0x0308
	OpEsaCreate     Op = 0x0401
	OpEsaReset      Op = 0x0402
)

var opNames = map[Op]string{
	OpAlgorithms:    "algorithms",
	OpNonceCreate:   "nc_create",
	OpNonceReset:    "nc_reset",
	OpDhCreate:      "dh_create",
	OpDhPublicValue: "dh_get_pubvalue",
	OpDhSetPeer:     "dh_set_pubvalue",
	OpDhReset:       "dh_reset",
	OpIsaAllocate:   "isa_allocate",
	OpIsaCreate:     "isa_create",
	OpIsaReset:      "isa_reset",
	OpIsaEncrypt:    "isa_encrypt",
	OpIsaDecrypt:    "isa_decrypt",
	OpIsaSign:       "isa_sign",
	OpIsaVerify:     "isa_verify",
	OpIsaAuth:       "isa_auth",
	OpEsaCreate:     "esa_create",
	OpEsaReset:      "esa_reset",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%#04x)", uint16(o))
}

// Header 固定长度消息头
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Op        Op
	RequestID uint32
	Length    uint32
}

type Message struct {
	Header  Header
	Payload []byte
}

func NewMessage(op Op, requestID uint32, flags uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     flags,
			Op:        op,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Op))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Op:        Op(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("无效的协议标识 %#x", h.Magic)
	}
	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("不支持的协议版本 %d", h.Version)
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("负载过大: %d 字节", h.Length)
	}
	return h, nil
}

// Write 头部与负载一次写出，避免并发写交错
func (m *Message) Write(w io.Writer) error {
	buf := append(m.Header.Marshal(), m.Payload...)
	_, err := w.Write(buf)
	return err
}

func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// 请求与响应负载

type handleRequest struct {
	ID uint64 `json:"id"`
}

type nonceCreateRequest struct {
	Length int `json:"length"`
}

type nonceCreateResult struct {
	ID    uint64 `json:"id"`
	Value []byte `json:"value"`
}

type dhCreateRequest struct {
	Group ikev2.AlgorithmType `json:"group"`
}

type valueResult struct {
	Value []byte `json:"value"`
}

type dhSetPeerRequest struct {
	ID    uint64 `json:"id"`
	Value []byte `json:"value"`
}

type isaCreateRequest struct {
	ID     uint64        `json:"id"`
	Params tkm.IsaParams `json:"params"`
}

type isaDataRequest struct {
	ID    uint64        `json:"id"`
	Dir   tkm.Direction `json:"dir"`
	Assoc []byte        `json:"assoc,omitempty"`
	Data  []byte        `json:"data"`
	ICV   []byte        `json:"icv,omitempty"`
}

type isaAuthRequest struct {
	ID     uint64         `json:"id"`
	Params tkm.AuthParams `json:"params"`
}

type esaCreateRequest struct {
	Params tkm.EsaParams `json:"params"`
}

type idResult struct {
	ID uint64 `json:"id"`
}

// response 统一的响应包
// Kinds 携带错误链上的全部类型，客户端据此恢复嵌套的错误
type response struct {
	OK      bool            `json:"ok"`
	Kind    string          `json:"kind,omitempty"`
	Kinds   []string        `json:"kinds,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}
