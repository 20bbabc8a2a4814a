// Package envelope attaches a cycle identity to every bus message that belongs to one
// capture/inference cycle.
//
// Wire format:
//
//	"SBE1" | uint32 big-endian header length | JSON header | body
//
// A payload that does not start with the magic is a bare body with no cycle. Bare
// payloads are what command-line tools such as mosquitto_pub send.
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var magic = []byte("SBE1")

// Header sizes above this are treated as corrupt
const maxHeaderSize = 64 * 1024

// KeyTimeFormat is the timestamp portion of a cycle key
const KeyTimeFormat = "20060102-150405"

var ErrCorrupt = errors.New("Corrupt envelope")

// Cycle identifies one pass through the pipeline, starting at a capture.
type Cycle struct {
	ID   uint32    `json:"cycle"`
	Key  string    `json:"key"`  // Storage key, eg 20250102-150405-17
	Time time.Time `json:"time"` // Time of capture
}

// NewCycle creates a cycle whose key is the second-resolution capture time plus the cycle ID.
// Two cycles inside the same second get different keys.
func NewCycle(id uint32, t time.Time) Cycle {
	return Cycle{
		ID:   id,
		Key:  t.Format(KeyTimeFormat) + "-" + strconv.FormatUint(uint64(id), 10),
		Time: t,
	}
}

func (c Cycle) String() string {
	return c.Key
}

// Message is a decoded payload. Cycle is nil for bare payloads.
type Message struct {
	Cycle *Cycle
	Body  []byte
}

// Encode wraps body in an envelope carrying c
func Encode(c Cycle, body []byte) []byte {
	header, _ := json.Marshal(&c)
	buf := make([]byte, 0, len(magic)+4+len(header)+len(body))
	buf = append(buf, magic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	buf = append(buf, body...)
	return buf
}

// Decode splits payload into its cycle and body.
// The returned body aliases payload.
func Decode(payload []byte) (Message, error) {
	if !IsEnvelope(payload) {
		return Message{Body: payload}, nil
	}
	rest := payload[len(magic):]
	if len(rest) < 4 {
		return Message{}, ErrCorrupt
	}
	headerLen := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if headerLen > maxHeaderSize || int(headerLen) > len(rest) {
		return Message{}, fmt.Errorf("%w: header length %v, %v bytes remaining", ErrCorrupt, headerLen, len(rest))
	}
	c := &Cycle{}
	if err := json.Unmarshal(rest[:headerLen], c); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Message{
		Cycle: c,
		Body:  rest[headerLen:],
	}, nil
}

// IsEnvelope returns true if payload starts with the envelope magic
func IsEnvelope(payload []byte) bool {
	return bytes.HasPrefix(payload, magic)
}
