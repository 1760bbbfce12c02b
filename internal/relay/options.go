package relay

import (
	"fmt"
	"time"
)

// EmptyRoomPolicy decides what happens to a room whose last connection
// leaves.
type EmptyRoomPolicy string

const (
	// RetainEmptyRooms keeps rooms warm forever.
	RetainEmptyRooms EmptyRoomPolicy = "retain"
	// EvictEmptyRooms drops a room as soon as it is empty.
	EvictEmptyRooms EmptyRoomPolicy = "evict"
	// LingerEmptyRooms keeps an empty room for Options.EmptyRoomLinger.
	LingerEmptyRooms EmptyRoomPolicy = "linger"
)

type Options struct {
	// OutboundQueue bounds the frames buffered per connection. A connection
	// whose queue overflows is dropped.
	OutboundQueue int

	// PresenceTimeout removes presence records not refreshed in time.
	PresenceTimeout time.Duration
	// PresenceSweep is how often expired presence records are looked for.
	PresenceSweep time.Duration

	EmptyRoom       EmptyRoomPolicy
	EmptyRoomLinger time.Duration

	// CompactEvery compacts a room's log after that many appends. Zero
	// disables automatic compaction.
	CompactEvery int

	// InboundRate limits frames per second read from one connection. Zero
	// means unlimited.
	InboundRate  float64
	InboundBurst int

	// InitTimeout bounds log replay when a room is created.
	InitTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		OutboundQueue:   256,
		PresenceTimeout: 30 * time.Second,
		PresenceSweep:   5 * time.Second,
		EmptyRoom:       LingerEmptyRooms,
		EmptyRoomLinger: 5 * time.Minute,
		CompactEvery:    1000,
		InboundRate:     200,
		InboundBurst:    400,
		InitTimeout:     time.Minute,
	}
}

func (o Options) Validate() error {
	if o.OutboundQueue <= 0 {
		return fmt.Errorf("outbound queue must be positive, got %d", o.OutboundQueue)
	}
	if o.PresenceTimeout <= 0 || o.PresenceSweep <= 0 {
		return fmt.Errorf("presence timeout and sweep must be positive")
	}
	switch o.EmptyRoom {
	case RetainEmptyRooms, EvictEmptyRooms:
	case LingerEmptyRooms:
		if o.EmptyRoomLinger <= 0 {
			return fmt.Errorf("empty room linger must be positive with policy %q", o.EmptyRoom)
		}
	default:
		return fmt.Errorf("unknown empty room policy %q", o.EmptyRoom)
	}
	if o.CompactEvery < 0 {
		return fmt.Errorf("compact every must not be negative")
	}
	if o.InboundRate < 0 || (o.InboundRate > 0 && o.InboundBurst <= 0) {
		return fmt.Errorf("inbound rate needs a positive burst")
	}
	return nil
}
