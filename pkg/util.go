package protocol

import (
	"cmp"
	"net/netip"
	"slices"

	"github.com/pkg/errors"
)

// parseAddr accepts an IP literal; empty and "*" mean any IPv4 address.
func parseAddr(s string) (netip.Addr, error) {
	if s == "" || s == "*" {
		return netip.IPv4Unspecified(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "address %q", s)
	}
	return addr.Unmap(), nil
}

// unspecifiedLike is the wildcard address of addr's family.
func unspecifiedLike(addr netip.Addr) netip.Addr {
	if addr.Is6() {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

func formatAddr(ap netip.AddrPort) string {
	// Check if addr is equal to the zero value of netip.AddrPort
	if !ap.IsValid() {
		return "*"
	}
	return ap.String()
}

func sortInfos(infos []Info) {
	slices.SortFunc(infos, func(a, b Info) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
}
