//go:build !linux

package tkmrpc

import (
	"errors"
	"net"
)

func peerUID(conn net.Conn) (uint32, error) {
	return 0, errors.New("当前平台不支持 SO_PEERCRED")
}
