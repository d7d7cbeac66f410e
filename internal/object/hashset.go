package object

import "slices"

// HashSet is a set of node hashes.
type HashSet map[Hash]struct{}

// NewHashSet returns a set holding hashes.
func NewHashSet(hashes ...Hash) HashSet {
	s := make(HashSet, len(hashes))
	for _, h := range hashes {
		s[h] = struct{}{}
	}
	return s
}

func (s HashSet) Add(h Hash) { s[h] = struct{}{} }

func (s HashSet) Has(h Hash) bool {
	_, ok := s[h]
	return ok
}

func (s HashSet) Len() int { return len(s) }

// Intersects reports whether s and other share any hash.
func (s HashSet) Intersects(other HashSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for h := range small {
		if large.Has(h) {
			return true
		}
	}
	return false
}

// Union adds every hash of other to s.
func (s HashSet) Union(other HashSet) {
	for h := range other {
		s[h] = struct{}{}
	}
}

// Sorted returns the hashes in ascending order.
func (s HashSet) Sorted() []Hash {
	out := make([]Hash, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Equal reports whether both sets hold the same hashes.
func (s HashSet) Equal(other HashSet) bool {
	if len(s) != len(other) {
		return false
	}
	for h := range s {
		if !other.Has(h) {
			return false
		}
	}
	return true
}
