// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net"

	"github.com/vishvananda/netlink"

	"grimm.is/warden/internal/errors"
)

// SelectInterface implements the interface-selection rule from spec.md §4.1:
// prefer the interface with an IPv4 address and a default route, otherwise
// fall back to the first non-loopback interface that is administratively up,
// otherwise fail with ErrNoUsableInterface.
func SelectInterface() (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", errors.Wrap(err, errors.KindTransient, "list network interfaces")
	}

	hasDefaultRoute := make(map[int]bool)
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err == nil {
		for _, r := range routes {
			if r.Dst == nil { // nil Dst denotes the default route
				hasDefaultRoute[r.LinkIndex] = true
			}
		}
	}

	var fallback string
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Name == "lo" || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		up := attrs.Flags&net.FlagUp != 0
		if !up {
			continue
		}

		if fallback == "" {
			fallback = attrs.Name
		}

		if hasDefaultRoute[attrs.Index] && linkHasIPv4(link) {
			return attrs.Name, nil
		}
	}

	if fallback != "" {
		return fallback, nil
	}
	return "", ErrNoUsableInterface
}

// DefaultGateway returns the next-hop address of the first IPv4 default
// route, for the startup reachability probe in cmd/warden.
func DefaultGateway() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", errors.Wrap(err, errors.KindTransient, "list routes")
	}
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			return r.Gw.String(), nil
		}
	}
	return "", errors.New(errors.KindRecoverable, "no default route found")
}

func linkHasIPv4(link netlink.Link) bool {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return false
	}
	return len(addrs) > 0
}
