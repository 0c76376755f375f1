// Copyright (c) 2025 BVK Chaitanya

// Package idgen derives deterministic client offer-ids from a seed, so an
// interrupted submission can be retried with the same idempotency token
// after a restart.
package idgen

import (
	"crypto/md5"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

// Generator creates a sequence of uuids derived from a given base uuid. It
// is safe for concurrent use.
type Generator struct {
	base uuid.UUID

	mu    sync.Mutex
	next  uint64
	cache []uuid.UUID
}

func New(seed string, offset uint64) *Generator {
	base := uuid.UUID(md5.Sum([]byte(seed)))
	return &Generator{base: base, next: offset}
}

// Offset returns the next sequence position, for persisting across restarts.
func (v *Generator) Offset() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.next
}

// NextID returns the next client id in the sequence.
func (v *Generator) NextID() uuid.UUID {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) == 0 || v.next%10 == 0 {
		v.cache = v.prepare(v.next/10, 10)
	}
	id := v.cache[v.next%10]
	v.next++
	return id
}

// RevertID undoes the most recent NextID, so a failed submission does not
// burn its idempotency token.
func (v *Generator) RevertID() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.next > 0 {
		v.next--
		v.cache = nil
	}
}

func (v *Generator) prepare(from, n uint64) []uuid.UUID {
	var buf [16 + 8]byte
	copy(buf[:16], []byte(v.base[:]))

	ids := make([]uuid.UUID, 0, n)
	for i := uint64(0); i < n; i++ {
		binary.BigEndian.PutUint64(buf[16:], from+i)
		checksum := md5.Sum(buf[:])
		ids = append(ids, uuid.UUID(checksum))
	}
	return ids
}
