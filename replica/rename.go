package replica

import (
	"golang.org/x/exp/slices"
)

// RenameEntry returns a copy of entry under its new RDN and superior, with
// the RDN attribute values adjusted the way a modrdn does.
func RenameEntry(entry *Entry, newRDN string, deleteOldRDN bool, newSuperior string) (*Entry, error) {
	_, parent := SplitDN(entry.DN)
	if newSuperior != "" {
		parent = newSuperior
	}
	newDN := newRDN
	if parent != "" {
		newDN = newRDN + "," + parent
	}
	newNDN, err := NormalizeDN(newDN)
	if err != nil {
		return nil, err
	}

	oldRDNAttr, oldRDNValue := RDNAttr(entry.DN)
	newRDNAttr, newRDNValue := RDNAttr(newRDN)

	renamed := entry.clone()
	renamed.DN = newDN
	renamed.NDN = newNDN

	if attr := renamed.Attr(newRDNAttr); attr != nil {
		if !slices.ContainsFunc(attr.Values, func(v string) bool { return EqualFold(v, newRDNValue) }) {
			attr.Values = append(attr.Values, newRDNValue)
		}
	} else {
		renamed.SetAttr(newRDNAttr, newRDNValue)
	}
	if deleteOldRDN && oldRDNAttr != "" {
		sameValue := EqualFold(oldRDNAttr, newRDNAttr) && EqualFold(oldRDNValue, newRDNValue)
		if attr := renamed.Attr(oldRDNAttr); attr != nil && !sameValue {
			attr.Values = slices.DeleteFunc(attr.Values, func(v string) bool {
				return EqualFold(v, oldRDNValue)
			})
		}
	}
	return renamed, nil
}
