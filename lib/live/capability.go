package live

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Capabilities
// --------------------------------------------------------------------------

// Capability is one stream feature a connection opts into at upgrade.
// Packets and packet fields outside the negotiated set are omitted at
// serialization time, never nulled.
type Capability uint8

const (
	// CapCore carries board-update packets with color changes. Every
	// connection must negotiate it.
	CapCore Capability = 1 << iota
	// CapAuthentication carries the per-user pixels-available stream.
	CapAuthentication
	// CapDataTimestamps adds the timestamps array to board-updates.
	CapDataTimestamps
	// CapDataInitial adds the initial array to board-updates.
	CapDataInitial
	// CapDataMask adds the mask array to board-updates.
	CapDataMask
	// CapInfo carries board metadata changes.
	CapInfo
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapCore, "core"},
	{CapAuthentication, "authentication"},
	{CapDataTimestamps, "data.timestamps"},
	{CapDataInitial, "data.initial"},
	{CapDataMask, "data.mask"},
	{CapInfo, "info"},
}

// All lists every capability in declaration order.
func All() []Capability {
	out := make([]Capability, len(capabilityNames))
	for i, e := range capabilityNames {
		out[i] = e.cap
	}
	return out
}

// String returns the capability's wire name.
func (c Capability) String() string {
	for _, e := range capabilityNames {
		if e.cap == c {
			return e.name
		}
	}
	return "unknown"
}

// CapabilitySet is a bitset of negotiated capabilities.
type CapabilitySet uint8

// Has reports whether every capability in c is negotiated.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) == CapabilitySet(c)
}

// With returns the set with c added.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return s | CapabilitySet(c)
}

func (s CapabilitySet) String() string {
	var names []string
	for _, e := range capabilityNames {
		if s.Has(e.cap) {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseCapabilities parses the comma-separated capability list of the
// upgrade request. The core capability is mandatory; unknown names are
// rejected.
func ParseCapabilities(raw string) (CapabilitySet, error) {
	var set CapabilitySet

	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		known := false
		for _, e := range capabilityNames {
			if e.name == name {
				set = set.With(e.cap)
				known = true
				break
			}
		}
		if !known {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
	}

	if !set.Has(CapCore) {
		return 0, fmt.Errorf("the core capability is mandatory")
	}
	return set, nil
}
