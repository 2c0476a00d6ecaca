package signaling

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduper remembers the most recently seen message ids. Entries are never
// looked up with Get, so eviction order is insertion order.
type Deduper struct {
	seen *lru.Cache[string, struct{}]
}

func NewDeduper(size int) (*Deduper, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Deduper{seen: c}, nil
}

// Seen records id and reports whether it had already been recorded.
func (d *Deduper) Seen(id string) bool {
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return found
}

func (d *Deduper) Len() int {
	return d.seen.Len()
}
