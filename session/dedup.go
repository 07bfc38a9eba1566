package session

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"

	"github.com/ledgerflow/flow/party"
	"github.com/ledgerflow/flow/wire"
)

// dedupHashKey is a fixed, process-local HighwayHash key. It only needs
// to be stable for the lifetime of the cache (an in-memory structure), so
// a fixed key is fine: we aren't defending against an adversary, only
// collapsing (sender, session, message-id) triples into a compact cache
// key the way the node's own mapping package keys its shuffle rings.
var dedupHashKey = [32]byte{
	0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78,
	0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0,
	0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10,
}

// DedupRecord is one (sender, session, message-id) triple already
// recognized as delivered, in the shape a checkpoint frame persists it
// in so a resurrected run's dedup cache doesn't forget it across a
// restart (spec.md section 3: "delivered at most once" carries no
// restart exception).
type DedupRecord struct {
	Sender    party.Party    `cbor:"sender"`
	Session   wire.SessionID `cbor:"session"`
	MessageID uint64         `cbor:"messageId"`
}

// Dedup discards inbound SessionData messages that have already been
// delivered, by (sender, session-id, message-id), giving the
// effectively-once delivery property spec.md section 4.2 describes.
type Dedup struct {
	cache *lru.Cache[uint64, DedupRecord]
}

// NewDedup returns a Dedup bounded to capacity entries; the oldest
// undelivered-duplicate record is evicted once that's exceeded, which is
// safe because retransmission only ever races a delivery that is already
// long past by the time the cache would need to grow that large.
func NewDedup(capacity int) *Dedup {
	cache, err := lru.New[uint64, DedupRecord](capacity)
	if err != nil {
		panic(err) // only returns an error for capacity <= 0
	}
	return &Dedup{cache: cache}
}

func dedupHash(sender party.Party, session wire.SessionID, messageID uint64) uint64 {
	return highwayhash.Sum64(dedupKeyBytes(sender, session, messageID), dedupHashKey[:])
}

// Snapshot returns every (sender, session, message-id) triple currently
// recorded as delivered, for persistence into a checkpoint frame.
func (d *Dedup) Snapshot() []DedupRecord {
	var keys = d.cache.Keys()
	var out = make([]DedupRecord, 0, len(keys))
	for _, k := range keys {
		if v, ok := d.cache.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// Restore re-marks every previously-recorded triple as delivered. A
// resurrected run calls this with its checkpoint's dedup snapshot so a
// duplicate arriving right after a restart is still caught instead of
// being re-delivered into the flow's inbox.
func (d *Dedup) Restore(records []DedupRecord) {
	for _, r := range records {
		d.cache.Add(dedupHash(r.Sender, r.Session, r.MessageID), r)
	}
}

func dedupKeyBytes(sender party.Party, session wire.SessionID, messageID uint64) []byte {
	var buf = make([]byte, 0, len(sender)+8+8)
	buf = append(buf, []byte(sender)...)
	var sessionBytes, idBytes [8]byte
	binary.BigEndian.PutUint64(sessionBytes[:], uint64(session))
	binary.BigEndian.PutUint64(idBytes[:], messageID)
	buf = append(buf, sessionBytes[:]...)
	buf = append(buf, idBytes[:]...)
	return buf
}

// SeenOrMark reports whether (sender, session, messageID) has already been
// recorded as delivered; if not, it records it and returns false.
func (d *Dedup) SeenOrMark(sender party.Party, session wire.SessionID, messageID uint64) bool {
	var key = dedupHash(sender, session, messageID)
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, DedupRecord{Sender: sender, Session: session, MessageID: messageID})
	return false
}
