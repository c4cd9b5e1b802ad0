// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package defense

import "net"

// protectedRanges are the address ranges C7 must never take defensive
// action against (spec.md §4.7, point 1): RFC1918 private space, loopback,
// and link-local. Grounded on the privateNetworks/bogonNetworks tables used
// for WAN anti-spoofing filtering elsewhere in the corpus, narrowed to the
// ranges the spec names.
var protectedRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err) // static table, a parse failure here is a programming error
		}
		protectedRanges = append(protectedRanges, block)
	}
}

// IsProtectedRange reports whether addr falls in a range C7 must refuse to
// act against.
func IsProtectedRange(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, block := range protectedRanges {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
