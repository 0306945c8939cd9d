package live

import "github.com/tessera-dev/tessera/lib/store"

// --------------------------------------------------------------------------
// Packet Types
// --------------------------------------------------------------------------

// PacketType tags the JSON packet variants, kebab-case on the wire.
type PacketType string

const (
	// server to client
	PacketBoardUpdate     PacketType = "board-update"
	PacketPixelsAvailable PacketType = "pixels-available"
	PacketReady           PacketType = "ready"

	// client to server
	PacketAuthenticate PacketType = "authenticate"
	PacketPing         PacketType = "ping"
)

// Change is a run of consecutive buffer values starting at a position.
// Values are widened to uint32 so one change type serves every buffer
// kind (and stays a JSON number array).
type Change struct {
	Position uint64   `json:"position"`
	Values   []uint32 `json:"values"`
}

// UpdateData carries the changed runs of a committed mutation, one array
// per buffer kind. Colors ride with the core capability, the other arrays
// are dropped for connections that did not negotiate them.
type UpdateData struct {
	Colors     []Change `json:"colors,omitempty"`
	Timestamps []Change `json:"timestamps,omitempty"`
	Initial    []Change `json:"initial,omitempty"`
	Mask       []Change `json:"mask,omitempty"`
}

func (d UpdateData) empty() bool {
	return len(d.Colors) == 0 && len(d.Timestamps) == 0 && len(d.Initial) == 0 && len(d.Mask) == 0
}

// BoardInfo carries the changed metadata fields of a board, absent fields
// did not change.
type BoardInfo struct {
	Name               *string       `json:"name,omitempty"`
	Shape              [][]uint64    `json:"shape,omitempty"`
	Palette            store.Palette `json:"palette,omitempty"`
	MaxPixelsAvailable *uint32       `json:"maxPixelsAvailable,omitempty"`
}

// ServerPacket is one outbound message. It is a tagged variant: only the
// fields of its type are set, and Filter drops unnegotiated ones before
// serialization.
type ServerPacket struct {
	Type PacketType `json:"type"`

	// board-update
	Info *BoardInfo  `json:"info,omitempty"`
	Data *UpdateData `json:"data,omitempty"`

	// pixels-available
	Count *uint32 `json:"count,omitempty"`
	Next  *uint64 `json:"next,omitempty"`
}

// NewBoardUpdate builds a board-update packet. info and data may each be
// nil when only the other changed.
func NewBoardUpdate(info *BoardInfo, data *UpdateData) ServerPacket {
	return ServerPacket{
		Type: PacketBoardUpdate,
		Info: info,
		Data: data,
	}
}

// NewPixelsAvailable builds a pixels-available packet. next is nil when
// the user's stack is full and nothing is scheduled to arrive.
func NewPixelsAvailable(count uint32, next *uint64) ServerPacket {
	return ServerPacket{
		Type:  PacketPixelsAvailable,
		Count: &count,
		Next:  next,
	}
}

// NewReady builds the packet acknowledging a completed handshake.
func NewReady() ServerPacket {
	return ServerPacket{Type: PacketReady}
}

// ClientPacket is one inbound message.
type ClientPacket struct {
	Type PacketType `json:"type"`

	// authenticate; nil token authenticates as anonymous
	Token *string `json:"token,omitempty"`
}

// --------------------------------------------------------------------------
// Capability Filter
// --------------------------------------------------------------------------

// Filter scopes a packet to the connection's negotiated capabilities. It
// is applied at serialization time, right before the packet is written to
// one connection. The second return is false when nothing of the packet is
// negotiated and it must not be sent at all.
func Filter(p ServerPacket, caps CapabilitySet) (ServerPacket, bool) {
	switch p.Type {
	case PacketPixelsAvailable:
		if !caps.Has(CapAuthentication) {
			return ServerPacket{}, false
		}
		return p, true

	case PacketBoardUpdate:
		if p.Info != nil && !caps.Has(CapInfo) {
			p.Info = nil
		}
		if p.Data != nil {
			data := *p.Data
			if !caps.Has(CapDataTimestamps) {
				data.Timestamps = nil
			}
			if !caps.Has(CapDataInitial) {
				data.Initial = nil
			}
			if !caps.Has(CapDataMask) {
				data.Mask = nil
			}
			if data.empty() {
				p.Data = nil
			} else {
				p.Data = &data
			}
		}
		if p.Info == nil && p.Data == nil {
			return ServerPacket{}, false
		}
		return p, true

	default:
		return p, true
	}
}
