// Package netutil 提供监听地址展开工具
package netutil

import (
	"errors"
	"net"
	"strings"
)

// ErrNoUsableAddr 本机没有可通告的网络地址
var ErrNoUsableAddr = errors.New("netutil: no usable interface address")

// ExpandListenAddr 将监听地址展开为可通告地址列表
//
// 绑定在通配地址（0.0.0.0 / ::）上的监听器对远端不可达，
// 需要展开为各网络接口上的具体地址；具体地址原样返回。
func ExpandListenAddr(addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(host)
	if host != "" && (ip == nil || !ip.IsUnspecified()) {
		return []string{addr}, nil
	}

	ips, err := interfaceIPs()
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, ErrNoUsableAddr
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}
	return addrs, nil
}

// interfaceIPs 枚举本机可通告的 IPv4 地址
func interfaceIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		// 跳过回环和非活动接口
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		// 跳过虚拟网卡（VPN、容器、虚拟机等），其地址跨机通常不可达
		if isVirtualInterface(iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// isVirtualInterface 判断是否为虚拟网卡
func isVirtualInterface(name string) bool {
	prefixes := []string{
		"docker", "br-", "veth", "virbr", "vmnet",
		"utun", "tun", "tap", "wg", "zt", "tailscale",
	}
	lower := strings.ToLower(name)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
