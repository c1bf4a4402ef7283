package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable task identifier encoded as
// 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
//
// Because the creation time and per-millisecond sequence are embedded in the
// bytes, an ID also serves as a total FIFO order key for entries created by
// a single process.
type ID [16]byte

// Zero is the all-zero ID.
var Zero ID

// ErrBadID is returned when parsing a malformed identifier.
var ErrBadID = errors.New("id: malformed identifier")

// String returns the lowercase hex encoding.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool { return i == Zero }

// UnixMs returns the embedded creation time in milliseconds since epoch.
func (i ID) UnixMs() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Seq returns the embedded per-millisecond sequence number.
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:16]) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Parse decodes a 32-character hex string produced by String.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 32 {
		return Zero, ErrBadID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, ErrBadID
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != 16 {
		return Zero, ErrBadID
	}
	copy(id[:], b)
	return id, nil
}

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch. Overridable
// in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards, it reuses lastMs and
// increments the sequence. If the sequence overflows within a single
// millisecond, it waits for the next millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return Make(ms, g.sequence)
}

// Make builds an ID from an explicit timestamp and sequence.
func Make(ms int64, seq uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], seq)
	return id
}
