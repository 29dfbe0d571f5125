package iosock

import (
	"context"
	"fmt"
	"net"
)

// Family selects the address family an Endpoint or Factory speaks.
type Family uint8

const (
	FamilyTCP Family = iota
	FamilyUDP
)

// Endpoint is an address-family + IP + port triple (spec §3), orderable
// and comparable so the broker and connection state machine can log and
// compare them without caring about the underlying net.Addr concrete type.
type Endpoint struct {
	Family Family
	IP     net.IP
	Port   uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// Equal reports whether two endpoints name the same family/IP/port.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Family == o.Family && e.Port == o.Port && e.IP.Equal(o.IP)
}

// Less gives Endpoint a total order (by family, then IP bytes, then port)
// so endpoint sets can be sorted deterministically for logging.
func (e Endpoint) Less(o Endpoint) bool {
	if e.Family != o.Family {
		return e.Family < o.Family
	}
	if c := compareIP(e.IP, o.IP); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

func compareIP(a, b net.IP) int {
	a4, b4 := a.To16(), b.To16()
	for i := range a4 {
		if a4[i] != b4[i] {
			return int(a4[i]) - int(b4[i])
		}
	}
	return 0
}

// ResolveEndpoints resolves a host name (or literal IP) plus port into the
// set of Endpoints it names. This is the "name resolution" collaborator
// spec.md §1 lists as out of the core's scope, implemented here as a thin
// wrapper so cmd/streamtest has something concrete to call.
func ResolveEndpoints(ctx context.Context, family Family, host string, port uint16) ([]Endpoint, error) {
	network := "ip"
	if family == FamilyTCP {
		network = "ip"
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("iosock: resolve %s: %w", host, err)
	}

	endpoints := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		endpoints = append(endpoints, Endpoint{Family: family, IP: ip, Port: port})
	}
	return endpoints, nil
}
