package store

import (
	"encoding/binary"

	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/pkg/id"
)

// Key prefixes for the task keyspace. Ordering indexes encode their sort
// order into big-endian key bytes so a bounded forward scan is dispatch
// order.
const (
	prefixTask    = "task/"      // task/{id}                      -> task record (JSON)
	prefixReady   = "ready_idx/" // ready_idx/{^prio}{created}{id} -> nil
	prefixDelay   = "delay_idx/" // delay_idx/{not_before}{id}     -> {prio}{created}
	prefixAttempt = "attempt/"   // attempt/{id}/{n}               -> attempt record (JSON)
)

// taskKey returns the record key for a task.
func taskKey(tid id.ID) []byte {
	key := make([]byte, len(prefixTask)+16)
	copy(key, prefixTask)
	copy(key[len(prefixTask):], tid[:])
	return key
}

// readyKey returns the ready index key. Priority is bit-inverted so higher
// tiers sort first; creation time then id break ties FIFO.
func readyKey(prio task.Priority, createdMs int64, tid id.ID) []byte {
	key := make([]byte, len(prefixReady)+4+8+16)
	copy(key, prefixReady)
	binary.BigEndian.PutUint32(key[len(prefixReady):], ^uint32(prio))
	binary.BigEndian.PutUint64(key[len(prefixReady)+4:], uint64(createdMs))
	copy(key[len(prefixReady)+4+8:], tid[:])
	return key
}

// parseReadyKey recovers (priority, createdMs, id) from a ready index key.
func parseReadyKey(key []byte) (task.Priority, int64, id.ID, bool) {
	if len(key) != len(prefixReady)+4+8+16 {
		return 0, 0, id.Zero, false
	}
	inv := binary.BigEndian.Uint32(key[len(prefixReady):])
	created := int64(binary.BigEndian.Uint64(key[len(prefixReady)+4:]))
	tid, err := id.FromBytes(key[len(prefixReady)+4+8:])
	if err != nil {
		return 0, 0, id.Zero, false
	}
	return task.Priority(^inv), created, tid, true
}

// delayKey returns the deferred index key, ordered by eligibility time.
func delayKey(notBeforeMs int64, tid id.ID) []byte {
	key := make([]byte, len(prefixDelay)+8+16)
	copy(key, prefixDelay)
	binary.BigEndian.PutUint64(key[len(prefixDelay):], uint64(notBeforeMs))
	copy(key[len(prefixDelay)+8:], tid[:])
	return key
}

// delayVal packs (priority, createdMs) so deferred entries can be rebuilt
// without loading the record.
func delayVal(prio task.Priority, createdMs int64) []byte {
	var v [12]byte
	binary.BigEndian.PutUint32(v[0:4], uint32(prio))
	binary.BigEndian.PutUint64(v[4:12], uint64(createdMs))
	return v[:]
}

// parseDelay recovers the entry from a delay index key and value.
func parseDelay(key, val []byte) (task.Entry, bool) {
	if len(key) != len(prefixDelay)+8+16 || len(val) < 12 {
		return task.Entry{}, false
	}
	notBefore := int64(binary.BigEndian.Uint64(key[len(prefixDelay):]))
	tid, err := id.FromBytes(key[len(prefixDelay)+8:])
	if err != nil {
		return task.Entry{}, false
	}
	return task.Entry{
		ID:          tid,
		Priority:    task.Priority(binary.BigEndian.Uint32(val[0:4])),
		CreatedMs:   int64(binary.BigEndian.Uint64(val[4:12])),
		Seq:         tid.Seq(),
		NotBeforeMs: notBefore,
	}, true
}

// attemptKey returns the key for one execution attempt record.
func attemptKey(tid id.ID, n int) []byte {
	key := make([]byte, len(prefixAttempt)+16+4)
	copy(key, prefixAttempt)
	copy(key[len(prefixAttempt):], tid[:])
	binary.BigEndian.PutUint32(key[len(prefixAttempt)+16:], uint32(n))
	return key
}

// attemptPrefix returns the scan prefix for all attempts of a task.
func attemptPrefix(tid id.ID) []byte {
	key := make([]byte, len(prefixAttempt)+16)
	copy(key, prefixAttempt)
	copy(key[len(prefixAttempt):], tid[:])
	return key
}

// keyUpperBound returns the exclusive upper bound for a prefix scan: the
// lexicographic successor of the prefix. Index keys carry raw binary
// suffixes (inverted priorities start with 0xFF), so appending a sentinel
// byte would not cover the full range.
func keyUpperBound(prefix []byte) []byte {
	hi := append([]byte(nil), prefix...)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] < 0xFF {
			hi[i]++
			return hi[:i+1]
		}
	}
	return nil
}
