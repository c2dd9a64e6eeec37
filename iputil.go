package main

import (
	"errors"
	"net"
)

var errNoHostIP = errors.New("no non-loopback IPv4 address found")

// detectHostIP returns the first non-loopback IPv4 address of the host. It is
// used as the public SIP address when none is configured.
func detectHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstHostIPv4(addrs)
}

func firstHostIPv4(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsUnspecified() || ip4.IsLinkLocalUnicast() {
			continue
		}
		return ip4.String(), nil
	}
	return "", errNoHostIP
}
