package driver

import (
	"fmt"

	"github.com/vishvananda/netns"
)

// NetNS 已存在的命名网络命名空间
// XFRM 句柄在其中创建，无需切换线程所在的命名空间
type NetNS struct {
	name   string
	handle netns.NsHandle
}

// OpenNetNS 打开 /var/run/netns 下的命名空间
func OpenNetNS(name string) (*NetNS, error) {
	handle, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("打开 netns %s 失败: %w", name, err)
	}
	return &NetNS{name: name, handle: handle}, nil
}

func (ns *NetNS) Handle() netns.NsHandle {
	return ns.handle
}

func (ns *NetNS) Name() string {
	return ns.name
}

func (ns *NetNS) Close() error {
	if !ns.handle.IsOpen() {
		return nil
	}
	return ns.handle.Close()
}
