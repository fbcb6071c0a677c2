package replica

import (
	"golang.org/x/exp/slices"
)

// Conflict resolution for the delta modify path. An applied modify whose
// stamp is older than the local entryCSN must be rewritten against every
// newer overlapping change before it can land, so the out-of-order apply
// converges to the same state as the in-order one.

// NeedsResolution reports whether the incoming stamp trails local state.
func NeedsResolution(incoming CSN, local CSN) bool {
	return local != "" && incoming.Compare(local) < 0
}

// ReconcileMods rewrites the incoming modification list against the newer
// modifications (flattened from all log records with a stamp at or above the
// incoming one, in stamp order). current is the local peer entry.
func ReconcileMods(incoming []Modification, newer []Modification, current *Entry) []Modification {
	out := []Modification{}

	for _, mod := range incoming {
		resolved, keep := reconcileOne(mod, newer, current)
		if keep {
			out = append(out, resolved)
		}
	}

	// demote what survived: deletes with values tolerate races, adds on
	// single-valued attributes become replaces
	for i := range out {
		switch {
		case out[i].Op == ModDelete && 0 < len(out[i].Values):
			out[i].Op = ModSoftDelete
		case out[i].Op == ModAdd && out[i].SingleValued:
			out[i].Op = ModReplace
		}
	}
	return out
}

func reconcileOne(mod Modification, newer []Modification, current *Entry) (Modification, bool) {
	mod.Values = slices.Clone(mod.Values)

	for _, n := range newer {
		if !EqualFold(n.Attr, mod.Attr) {
			continue
		}

		// a replace is a delete-all followed by an add
		nOps := []Modification{n}
		if n.Op == ModReplace {
			nOps = []Modification{
				{Op: ModDelete, Attr: n.Attr},
				{Op: ModAdd, Attr: n.Attr, Values: n.Values, SingleValued: n.SingleValued},
			}
		}

		for _, nop := range nOps {
			var keep bool
			mod, keep = reconcilePair(mod, nop, current)
			if !keep {
				return mod, false
			}
		}
	}

	return mod, true
}

func isDeleteOp(op ModOp) bool {
	return op == ModDelete || op == ModSoftDelete
}

func isAddOp(op ModOp) bool {
	return op == ModAdd || op == ModSoftAdd
}

func reconcilePair(mod Modification, n Modification, current *Entry) (Modification, bool) {
	switch {
	case isDeleteOp(n.Op) && len(n.Values) == 0:
		// newer delete-all
		switch {
		case isAddOp(mod.Op):
			// the stale add becomes a cleanup of current values minus
			// what it would have added
			values := currentValues(current, mod.Attr)
			values = dropValues(values, mod.Values)
			mod = Modification{Op: ModDelete, Attr: mod.Attr, Values: values, SingleValued: mod.SingleValued}
			return mod, 0 < len(mod.Values)
		case isDeleteOp(mod.Op):
			return mod, false
		}
	case isDeleteOp(n.Op):
		// newer delete of specific values
		if isDeleteOp(mod.Op) && 0 < len(mod.Values) {
			mod.Values = dropValues(mod.Values, n.Values)
			if len(mod.Values) == 0 {
				return mod, false
			}
		}
	case isAddOp(n.Op):
		switch {
		case isAddOp(mod.Op):
			if mod.SingleValued {
				// a newer add on a single-valued attribute wins outright
				return mod, false
			}
			mod.Values = dropValues(mod.Values, n.Values)
			if len(mod.Values) == 0 {
				return mod, false
			}
		case isDeleteOp(mod.Op) && 0 < len(mod.Values):
			// the newer add re-established values the stale delete names
			mod.Values = dropValues(mod.Values, n.Values)
			if len(mod.Values) == 0 {
				return mod, false
			}
		case isDeleteOp(mod.Op):
			// stale delete-all must not erase the newer add: it becomes a
			// delete of the specific current values, excluding what the
			// newer op added
			values := currentValues(current, mod.Attr)
			values = dropValues(values, n.Values)
			mod = Modification{Op: ModDelete, Attr: mod.Attr, Values: values, SingleValued: mod.SingleValued}
			return mod, 0 < len(mod.Values)
		}
	}
	return mod, true
}

func currentValues(entry *Entry, desc string) []string {
	if entry == nil {
		return []string{}
	}
	if attr := entry.Attr(desc); attr != nil {
		return slices.Clone(attr.Values)
	}
	return []string{}
}

func dropValues(values []string, drop []string) []string {
	return slices.DeleteFunc(values, func(v string) bool {
		return slices.ContainsFunc(drop, func(d string) bool { return EqualFold(d, v) })
	})
}
