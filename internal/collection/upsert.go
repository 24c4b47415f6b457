// Package collection implements upsert-by-identity for the ordered
// collections the engine exposes (paths, chat messages).
//
// Collections are treated as immutable snapshots: every operation returns
// either the input slice unchanged or a freshly allocated slice. Elements
// are pointers and are never mutated in place, so consumers can detect
// "nothing changed" by comparing slice identity with Same.
package collection

import "sort"

// Record is an element of a synchronized collection.
type Record[T any] interface {
	comparable
	// Identity returns the record id; an empty id makes the record invalid.
	Identity() string
	// SortKey orders records in OrderBySeq collections.
	SortKey() int64
	// Overlay merges the non-zero fields of in onto the receiver and returns
	// the receiver itself when nothing changed.
	Overlay(in T) T
}

// Order is a collection's declared ordering for new records.
type Order int

const (
	// NewestFirst prepends unseen records.
	NewestFirst Order = iota
	// BySeq keeps records sorted ascending by SortKey.
	BySeq
)

// Options controls Upsert.
type Options struct {
	Order Order
	// Replace discards an existing record instead of merging onto it.
	Replace bool
}

// Upsert inserts rec when no element shares its identity, otherwise merges
// (or with Replace, substitutes) it. The input slice is returned unchanged
// when rec has no identity or the resulting element is the stored one.
func Upsert[T Record[T]](items []T, rec T, opts Options) []T {
	var zero T
	if rec == zero || rec.Identity() == "" {
		return items
	}

	idx := IndexOf(items, rec.Identity())
	if idx < 0 {
		return insert(items, rec, opts.Order)
	}

	existing := items[idx]
	next := rec
	if !opts.Replace {
		next = existing.Overlay(rec)
	}
	if next == existing {
		return items
	}

	out := make([]T, len(items))
	copy(out, items)
	out[idx] = next
	if opts.Order == BySeq && next.SortKey() != existing.SortKey() {
		sortBySeq(out)
	}
	return out
}

func insert[T Record[T]](items []T, rec T, order Order) []T {
	out := make([]T, 0, len(items)+1)
	if order == NewestFirst {
		out = append(out, rec)
		return append(out, items...)
	}
	// Insert after the last element with an equal or lower key so existing
	// elements keep their relative order.
	pos := sort.Search(len(items), func(i int) bool {
		return items[i].SortKey() > rec.SortKey()
	})
	out = append(out, items[:pos]...)
	out = append(out, rec)
	return append(out, items[pos:]...)
}

func sortBySeq[T Record[T]](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SortKey() < items[j].SortKey()
	})
}

// IndexOf returns the index of the element with the given id, or -1.
func IndexOf[T Record[T]](items []T, id string) int {
	if id == "" {
		return -1
	}
	for i, it := range items {
		if it.Identity() == id {
			return i
		}
	}
	return -1
}

// Find returns the element with the given id.
func Find[T Record[T]](items []T, id string) (T, bool) {
	if i := IndexOf(items, id); i >= 0 {
		return items[i], true
	}
	var zero T
	return zero, false
}

// FindFunc returns the first element matching pred.
func FindFunc[T Record[T]](items []T, pred func(T) bool) (T, bool) {
	for _, it := range items {
		if pred(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// RemoveWhere drops every element matching pred, returning the input slice
// unchanged when nothing matches.
func RemoveWhere[T Record[T]](items []T, pred func(T) bool) []T {
	var out []T
	removed := false
	for i, it := range items {
		if pred(it) {
			if !removed {
				out = make([]T, i, len(items))
				copy(out, items[:i])
				removed = true
			}
			continue
		}
		if removed {
			out = append(out, it)
		}
	}
	if !removed {
		return items
	}
	return out
}

// MergeAll upserts every record of a pull result without replace, so
// locally newer fields survive. Records absent from recs are kept.
func MergeAll[T Record[T]](items []T, recs []T, order Order) []T {
	out := items
	for _, rec := range recs {
		out = Upsert(out, rec, Options{Order: order})
	}
	return out
}

// Same reports whether a and b are the same slice instance, which is how
// consumers detect a no-op transition.
func Same[T any](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return (a == nil) == (b == nil)
	}
	return &a[0] == &b[0]
}
