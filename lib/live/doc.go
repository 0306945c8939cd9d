// Package live implements the update fan-out layer: the packet types of
// the streaming protocol, the capability negotiation that scopes what a
// connection receives, and the hub that tracks subscribers and delivers
// board updates and per-user cooldown schedules.
//
// Key Components:
//
//   - Capability / CapabilitySet: features a connection opted into when it
//     attached (timestamps, initial, mask, info, authentication). Filter
//     strips a packet down to what a subscriber negotiated; a packet with
//     nothing left is dropped for that subscriber.
//
//   - ServerPacket / ClientPacket: the wire messages. Server packets are
//     board updates (info and/or per-buffer changes), pixels-available
//     announcements and the ready acknowledgement; client packets are
//     authentication and pings.
//
//   - Hub: the subscriber registry. Delivery is buffered per connection
//     and never blocks the producer: a subscriber that stops draining is
//     kicked. Per-user cooldown timers announce each regained pixel at
//     its arrival instant.
//
// Thread Safety:
//
//	The Hub is safe for concurrent use. Packets enqueued for one
//	subscriber retain their order; there is no cross-subscriber ordering.
package live
