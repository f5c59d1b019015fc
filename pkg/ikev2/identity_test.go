package ikev2

import (
	"bytes"
	"net"
	"testing"
)

func TestIdentificationEncode(t *testing.T) {
	id := &Identification{Type: ID_FQDN, Data: []byte("vpn.example.org")}
	got := id.Encode()
	want := append([]byte{2, 0, 0, 0}, "vpn.example.org"...)
	if !bytes.Equal(got, want) {
		t.Fatalf("编码错误: %x", got)
	}

	back, err := DecodeIdentification(got)
	if err != nil {
		t.Fatal(err)
	}
	if back.Type != ID_FQDN || back.String() != "vpn.example.org" {
		t.Fatalf("解码错误: %v", back)
	}
}

func TestIPIdentification(t *testing.T) {
	v4 := NewIPIdentification(net.ParseIP("192.0.2.1"))
	if v4.Type != ID_IPV4_ADDR || len(v4.Data) != 4 {
		t.Fatalf("IPv4 身份错误: %+v", v4)
	}
	v6 := NewIPIdentification(net.ParseIP("2001:db8::1"))
	if v6.Type != ID_IPV6_ADDR || v6.String() != "2001:db8::1" {
		t.Fatalf("IPv6 身份错误: %+v", v6)
	}
}

func TestDecodeIdentificationErrors(t *testing.T) {
	if _, err := DecodeIdentification([]byte{1, 0, 0}); err == nil {
		t.Fatal("过短的载荷应被拒绝")
	}
	if _, err := DecodeIdentification([]byte{1, 0, 0, 0, 10, 0, 0}); err == nil {
		t.Fatal("长度不符的 IPv4 身份应被拒绝")
	}
}
