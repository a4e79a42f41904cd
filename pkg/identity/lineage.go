package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Lineage names one incarnation of an agent: a stable base name plus a nonce
// that increments by exactly 1 on every successful reincarnation. Histories
// are append-only and nonce-indexed; vessel chains are never represented as
// mutable linked structures, so cycles cannot form.
type Lineage struct {
	BaseName string
	Nonce    uint64
}

func (l Lineage) String() string {
	return fmt.Sprintf("%s-%d", l.BaseName, l.Nonce)
}

// Next returns the lineage of the following incarnation.
func (l Lineage) Next() Lineage {
	return Lineage{BaseName: l.BaseName, Nonce: l.Nonce + 1}
}

// ParseLineage parses "name-nonce". Base names may themselves contain
// hyphens; the nonce is the final segment.
func ParseLineage(s string) (Lineage, error) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return Lineage{}, fmt.Errorf("invalid lineage %q", s)
	}
	nonce, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return Lineage{}, fmt.Errorf("invalid lineage nonce in %q: %w", s, err)
	}
	return Lineage{BaseName: s[:i], Nonce: nonce}, nil
}
