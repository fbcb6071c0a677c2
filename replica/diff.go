package replica

import (
	"strings"

	"golang.org/x/exp/slices"
)

// operational attributes that stay colocated with every emitted write
var colocatedAttrs = []string{AttrModifiersName, AttrModifyTimestamp, AttrEntryCSN}

// AttrFilter is the per-source include/exclude view of the schema.
type AttrFilter struct {
	// empty include means all
	Include []string
	Exclude []string
}

func (self *AttrFilter) Allows(desc string) bool {
	if self == nil {
		return true
	}
	for _, ex := range self.Exclude {
		if EqualFold(ex, desc) {
			return false
		}
	}
	if len(self.Include) == 0 {
		return true
	}
	for _, in := range self.Include {
		if EqualFold(in, desc) || EqualFold(in, "*") {
			return true
		}
	}
	// operational attributes ride along regardless of the include list
	return slices.ContainsFunc(colocatedAttrs, func(a string) bool { return EqualFold(a, desc) })
}

// DiffEntry computes the modifications that turn old into new, honoring the
// filter and never touching the context vector on the context entry.
func DiffEntry(old *Entry, new *Entry, filter *AttrFilter, contextNDN string) []Modification {
	mods := []Modification{}
	onContext := old.NDN == contextNDN

	seen := map[string]bool{}
	for _, oldAttr := range old.Attrs {
		desc := strings.ToLower(oldAttr.Desc)
		seen[desc] = true
		if !filter.Allows(oldAttr.Desc) {
			continue
		}
		if onContext && EqualFold(oldAttr.Desc, AttrContextCSN) {
			continue
		}
		if isColocated(oldAttr.Desc) {
			continue
		}
		newAttr := new.Attr(oldAttr.Desc)
		if newAttr == nil {
			// housekeeping attributes the provider never streams are not
			// deletions
			if isHousekeeping(oldAttr.Desc) {
				continue
			}
			mods = append(mods, Modification{Op: ModDelete, Attr: oldAttr.Desc})
			continue
		}
		mods = append(mods, diffValues(&oldAttr, newAttr)...)
	}
	for _, newAttr := range new.Attrs {
		desc := strings.ToLower(newAttr.Desc)
		if seen[desc] {
			continue
		}
		if !filter.Allows(newAttr.Desc) {
			continue
		}
		if onContext && EqualFold(newAttr.Desc, AttrContextCSN) {
			continue
		}
		if isColocated(newAttr.Desc) {
			continue
		}
		mods = append(mods, Modification{
			Op:     ModAdd,
			Attr:   newAttr.Desc,
			Values: slices.Clone(newAttr.Values),
		})
	}

	if len(mods) == 0 {
		return mods
	}
	return append(mods, colocatedMods(new)...)
}

func isColocated(desc string) bool {
	return slices.ContainsFunc(colocatedAttrs, func(a string) bool { return EqualFold(a, desc) })
}

var housekeepingAttrs = []string{AttrEntryUUID, AttrCreateTimestamp, AttrStructuralObjectClass}

func isHousekeeping(desc string) bool {
	return slices.ContainsFunc(housekeepingAttrs, func(a string) bool { return EqualFold(a, desc) })
}

// colocatedMods emits the standard operational attributes carried with every
// write so they stay consistent with the payload.
func colocatedMods(new *Entry) []Modification {
	mods := []Modification{}
	for _, desc := range colocatedAttrs {
		if attr := new.Attr(desc); attr != nil && 0 < len(attr.Values) {
			mods = append(mods, Modification{
				Op:     ModReplace,
				Attr:   attr.Desc,
				Values: slices.Clone(attr.Values),
			})
		}
	}
	return mods
}

func diffValues(old *Attribute, new *Attribute) []Modification {
	switch {
	case old.NoEquality || EqualFold(old.Desc, AttrObjectClass):
		// no rule to compare by, a differing set becomes one replace
		if valuesEqualOrdered(old.Values, new.Values) {
			return nil
		}
		return []Modification{{Op: ModReplace, Attr: old.Desc, Values: slices.Clone(new.Values)}}
	case old.SingleValued:
		if 0 < len(old.Values) && 0 < len(new.Values) && EqualFold(old.Values[0], new.Values[0]) {
			return nil
		}
		return []Modification{{Op: ModReplace, Attr: old.Desc, Values: slices.Clone(new.Values), SingleValued: true}}
	case old.Sorted:
		return diffSorted(old.Desc, old.Values, new.Values)
	default:
		if valuesEqualFold(old.Values, new.Values) {
			return nil
		}
		return []Modification{{Op: ModReplace, Attr: old.Desc, Values: slices.Clone(new.Values)}}
	}
}

// merge-style walk over two value lists sorted by the equality rule:
// values unique to old become deletes, unique to new become adds.
func diffSorted(desc string, old []string, new []string) []Modification {
	old = slices.Clone(old)
	new = slices.Clone(new)
	sortFold := func(a string, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
	slices.SortFunc(old, sortFold)
	slices.SortFunc(new, sortFold)

	deletes := []string{}
	adds := []string{}
	i, j := 0, 0
	for i < len(old) && j < len(new) {
		switch c := strings.Compare(strings.ToLower(old[i]), strings.ToLower(new[j])); {
		case c == 0:
			i += 1
			j += 1
		case c < 0:
			deletes = append(deletes, old[i])
			i += 1
		default:
			adds = append(adds, new[j])
			j += 1
		}
	}
	deletes = append(deletes, old[i:]...)
	adds = append(adds, new[j:]...)

	mods := []Modification{}
	if 0 < len(deletes) {
		mods = append(mods, Modification{Op: ModDelete, Attr: desc, Values: deletes})
	}
	if 0 < len(adds) {
		mods = append(mods, Modification{Op: ModAdd, Attr: desc, Values: adds})
	}
	return mods
}

func valuesEqualOrdered(a []string, b []string) bool {
	return slices.EqualFunc(a, b, EqualFold)
}

func valuesEqualFold(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, value := range a {
		if !slices.ContainsFunc(b, func(v string) bool { return EqualFold(v, value) }) {
			return false
		}
	}
	return true
}
