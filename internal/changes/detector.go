// Package changes classifies the transition between two observed address sets.
package changes

import "sort"

// Type names a class of address-set transition. The values are persisted in
// dns_records.change_type.
type Type string

const (
	None            Type = "none"
	Initial         Type = "initial"
	CompleteRemoval Type = "complete_removal"
	Complete        Type = "complete"
	Replacement     Type = "replacement"
	Addition        Type = "addition"
	Removal         Type = "removal"
)

// Info describes the difference between a previous and a current address set.
type Info struct {
	HasChange bool
	Type      Type
	Added     []string
	Removed   []string
	Unchanged []string
}

// Detect compares previous and current as sets. Order and duplicates are ignored.
func Detect(previous, current []string) Info {
	prev := toSet(previous)
	curr := toSet(current)

	info := Info{
		Added:     difference(curr, prev),
		Removed:   difference(prev, curr),
		Unchanged: intersection(prev, curr),
	}

	if len(info.Added) == 0 && len(info.Removed) == 0 {
		info.Type = None
		return info
	}

	info.HasChange = true
	switch {
	case len(prev) == 0:
		info.Type = Initial
	case len(curr) == 0:
		info.Type = CompleteRemoval
	case len(info.Unchanged) == 0:
		info.Type = Complete
	case len(info.Added) > 0 && len(info.Removed) > 0:
		info.Type = Replacement
	case len(info.Added) > 0:
		info.Type = Addition
	default:
		info.Type = Removal
	}

	return info
}

// RequiresReview reports whether the change may introduce untrusted addresses.
// The first observation of a domain establishes its baseline and never does.
func (i Info) RequiresReview() bool {
	return i.HasChange && i.Type != Initial && len(i.Added) > 0
}

func toSet(addresses []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		set[addr] = struct{}{}
	}
	return set
}

func difference(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for addr := range a {
		if _, ok := b[addr]; !ok {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func intersection(a, b map[string]struct{}) []string {
	out := make([]string, 0)
	for addr := range a {
		if _, ok := b[addr]; ok {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}
