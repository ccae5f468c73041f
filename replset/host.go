// Package replset holds the membership data model shared by the inventory,
// probe and reconciliation layers: hosts as the platform reports them, the
// replica set configuration as the database stores it, and the pure planning
// functions that turn one into the other.
package replset

import (
	"net"
	"sort"
	"strconv"
	"strings"
)

// DefaultPort is the database port used when a host does not report one
const DefaultPort uint16 = 27017

// HostPhase mirrors the platform lifecycle of a worker process
type HostPhase uint8

const (
	PhasePending HostPhase = iota
	PhaseRunning
	PhaseTerminating
	PhaseGone
)

func (p HostPhase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhaseRunning:
		return "RUNNING"
	case PhaseTerminating:
		return "TERMINATING"
	case PhaseGone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// Host is a worker process observed on the orchestration platform.
// ID is the platform-assigned name and the host's identity.
type Host struct {
	ID      string
	Address string
	Port    uint16
	Phase   HostPhase
}

// Endpoint returns the host:port string the database uses to address this host
func (h Host) Endpoint() string {
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(h.Address, strconv.Itoa(int(port)))
}

// Live reports whether the host is eligible to hold membership
func (h Host) Live() bool {
	return h.Phase == PhaseRunning
}

// Ordinal extracts the trailing ordinal of a stateful pod name ("mongo-2" -> 2)
func Ordinal(id string) (int, bool) {
	idx := strings.LastIndexByte(id, '-')
	if idx < 0 || idx == len(id)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SortHosts orders hosts by ordinal, falling back to ID for names without one.
// The order is the deterministic order used for bootstrap and id assignment.
func SortHosts(hosts []Host) {
	sort.SliceStable(hosts, func(i, j int) bool {
		oi, iok := Ordinal(hosts[i].ID)
		oj, jok := Ordinal(hosts[j].ID)
		switch {
		case iok && jok && oi != oj:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return hosts[i].ID < hosts[j].ID
		}
	})
}

// LiveHosts filters hosts down to the ones in the Running phase, preserving order
func LiveHosts(hosts []Host) []Host {
	live := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if h.Live() {
			live = append(live, h)
		}
	}
	return live
}
