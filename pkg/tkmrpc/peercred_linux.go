//go:build linux

package tkmrpc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerUID 通过 SO_PEERCRED 读取对端进程的用户 ID
func peerUID(conn net.Conn) (uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("不是 Unix 套接字连接")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("获取原始连接: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}
	return cred.Uid, nil
}
