// Package intern provides a refcounted string pool. Two Get calls with equal
// contents return the same *Entry for as long as at least one reference is
// held, so pool entries can be compared and hashed by pointer.
package intern

import (
	"github.com/cespare/xxhash/v2"
)

// nbuckets is an arbitrary "large enough" prime.
const nbuckets = 2063

// Entry is a canonical, refcounted string identity.
type Entry struct {
	str      string
	refcount int
	next     *Entry
}

// String returns the interned string contents.
func (e *Entry) String() string {
	return e.str
}

// Pool is a bucketed hash table of refcounted string entries.
type Pool struct {
	table [nbuckets]*Entry
}

// NewPool creates an empty string pool.
func NewPool() *Pool {
	return &Pool{}
}

func bucketOf(s string) uint64 {
	return xxhash.Sum64String(s) % nbuckets
}

// Get returns the canonical entry for s, creating it with refcount 1 if it is
// not already pooled and incrementing its refcount otherwise.
func (p *Pool) Get(s string) *Entry {
	bucket := bucketOf(s)

	var prev *Entry
	for e := p.table[bucket]; e != nil; e = e.next {
		if e.str == s {
			e.refcount++
			return e
		}
		prev = e
	}

	e := &Entry{str: s, refcount: 1}
	if prev == nil {
		p.table[bucket] = e
	} else {
		prev.next = e
	}
	return e
}

// Release decrements the refcount of e and unlinks it from the pool when the
// count reaches zero. Releasing a nil entry is a no-op.
func (p *Pool) Release(e *Entry) {
	if e == nil {
		return
	}

	e.refcount--
	if e.refcount > 0 {
		return
	}

	bucket := bucketOf(e.str)
	var prev *Entry
	for node := p.table[bucket]; node != nil; node = node.next {
		if node == e {
			if prev == nil {
				p.table[bucket] = node.next
			} else {
				prev.next = node.next
			}
			node.next = nil
			return
		}
		prev = node
	}
}

// Len reports the number of live entries across all buckets.
func (p *Pool) Len() int {
	n := 0
	for i := range p.table {
		for e := p.table[i]; e != nil; e = e.next {
			n++
		}
	}
	return n
}
