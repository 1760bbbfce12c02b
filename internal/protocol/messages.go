// Package protocol implements the binary frames exchanged between the relay
// and its peers over a document connection.
//
// Every frame starts with a varint message type. SYNC frames carry a sub-tag
// and an opaque engine payload, PRESENCE frames carry a set of presence
// entries, and NOTICE frames report recoverable errors from the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type MessageType uint64

const (
	MessageSync     MessageType = 0
	MessagePresence MessageType = 1
	MessageNotice   MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessagePresence:
		return "presence"
	case MessageNotice:
		return "notice"
	}
	return fmt.Sprintf("unknown(%d)", uint64(t))
}

// SyncStep distinguishes the three kinds of SYNC payloads.
type SyncStep uint64

const (
	// SyncDigest carries the sender's state digest and asks for the delta.
	SyncDigest SyncStep = 0
	// SyncDelta answers a digest with the updates the receiver is missing.
	SyncDelta SyncStep = 1
	// SyncUpdate carries one live update.
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncDigest:
		return "digest"
	case SyncDelta:
		return "delta"
	case SyncUpdate:
		return "update"
	}
	return fmt.Sprintf("unknown(%d)", uint64(s))
}

// NoticeCode identifies the reason of a NOTICE frame.
type NoticeCode uint64

const (
	NoticePersistenceFailure NoticeCode = 1
	NoticeRoomUnavailable    NoticeCode = 2
)

// Frame is a decoded protocol message. Only the fields matching Type are set.
type Frame struct {
	Type MessageType

	Step    SyncStep
	Payload []byte

	Presence []PresenceEntry

	Code    NoticeCode
	Message string
}

// PresenceEntry is one (id, payload-or-tombstone) pair. A nil State is a
// tombstone.
type PresenceEntry struct {
	ID    string
	Clock uint64
	State json.RawMessage
}

// Removed reports whether the entry is a tombstone.
func (e PresenceEntry) Removed() bool {
	return len(e.State) == 0 || isNull(e.State)
}

func isNull(state []byte) bool {
	return bytes.Equal(bytes.TrimSpace(state), []byte("null"))
}

func EncodeSync(step SyncStep, payload []byte) []byte {
	enc := NewEncoder(len(payload) + 8)
	enc.Uint(uint64(MessageSync))
	enc.Uint(uint64(step))
	enc.Bytes(payload)
	return enc.Result()
}

func EncodePresence(entries []PresenceEntry) []byte {
	size := 4
	for _, e := range entries {
		size += len(e.ID) + len(e.State) + 12
	}
	enc := NewEncoder(size)
	enc.Uint(uint64(MessagePresence))
	enc.Uint(uint64(len(entries)))
	for _, e := range entries {
		enc.String(e.ID)
		enc.Uint(e.Clock)
		if e.Removed() {
			enc.String("null")
		} else {
			enc.Bytes(e.State)
		}
	}
	return enc.Result()
}

func EncodeNotice(code NoticeCode, msg string) []byte {
	enc := NewEncoder(len(msg) + 8)
	enc.Uint(uint64(MessageNotice))
	enc.Uint(uint64(code))
	enc.String(msg)
	return enc.Result()
}

// Decode parses a single frame. Trailing bytes, unknown tags and invalid
// presence JSON are all reported as ErrMalformed.
func Decode(b []byte) (*Frame, error) {
	dec := NewDecoder(b)
	tag, err := dec.Uint()
	if err != nil {
		return nil, err
	}
	f := &Frame{Type: MessageType(tag)}
	switch f.Type {
	case MessageSync:
		step, err := dec.Uint()
		if err != nil {
			return nil, err
		}
		f.Step = SyncStep(step)
		if f.Step > SyncUpdate {
			return nil, fmt.Errorf("%w: unknown sync step %d", ErrMalformed, step)
		}
		if f.Payload, err = dec.Bytes(); err != nil {
			return nil, err
		}
	case MessagePresence:
		n, err := dec.Uint()
		if err != nil {
			return nil, err
		}
		// each entry takes at least three bytes
		if n > uint64(dec.Remaining()/3) {
			return nil, fmt.Errorf("%w: presence count %d too large", ErrMalformed, n)
		}
		f.Presence = make([]PresenceEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			var e PresenceEntry
			if e.ID, err = dec.String(); err != nil {
				return nil, err
			}
			if e.Clock, err = dec.Uint(); err != nil {
				return nil, err
			}
			state, err := dec.Bytes()
			if err != nil {
				return nil, err
			}
			if !json.Valid(state) {
				return nil, fmt.Errorf("%w: presence %q carries invalid json", ErrMalformed, e.ID)
			}
			if !isNull(state) {
				e.State = json.RawMessage(append([]byte(nil), state...))
			}
			f.Presence = append(f.Presence, e)
		}
	case MessageNotice:
		code, err := dec.Uint()
		if err != nil {
			return nil, err
		}
		f.Code = NoticeCode(code)
		if f.Message, err = dec.String(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformed, tag)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, dec.Remaining())
	}
	return f, nil
}
