package replica

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MemoryDirectory is the in-process reference backend behind DirectoryOps.
// It backs the package tests and small deployments; production trees use the
// sqlite store.
type MemoryDirectory struct {
	mutex sync.Mutex

	suffix  string
	nsuffix string

	// ndn -> entry
	entries map[string]*Entry
	// uuid -> ndn
	uuidIndex map[UUID]string
}

func NewMemoryDirectory(suffix string) *MemoryDirectory {
	return &MemoryDirectory{
		suffix:    suffix,
		nsuffix:   RequireNormalizeDN(suffix),
		entries:   map[string]*Entry{},
		uuidIndex: map[UUID]string{},
	}
}

func (self *MemoryDirectory) Suffix() string {
	return self.suffix
}

func (self *MemoryDirectory) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}

func (self *MemoryDirectory) normalize(dn string) (string, error) {
	ndn, err := NormalizeDN(dn)
	if err != nil {
		return "", fmt.Errorf("%w: bad dn %q", ErrProtocol, dn)
	}
	return ndn, nil
}

func (self *MemoryDirectory) hasChildren(ndn string) bool {
	tail := "," + ndn
	for other := range self.entries {
		if strings.HasSuffix(other, tail) {
			return true
		}
	}
	return false
}

func (self *MemoryDirectory) stamp(dctx *DirContext, entry *Entry) {
	if dctx.QueuedCSN != "" {
		entry.SetAttr(AttrEntryCSN, string(dctx.QueuedCSN))
	}
	entry.SetAttr(AttrModifyTimestamp, dctx.Time().Format("20060102150405Z"))
}

func (self *MemoryDirectory) Add(dctx *DirContext, entry *Entry) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ndn := entry.NDN
	if ndn == "" {
		var err error
		if ndn, err = self.normalize(entry.DN); err != nil {
			return err
		}
	}
	if _, ok := self.entries[ndn]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, entry.DN)
	}
	if !DNWithinSuffix(ndn, self.nsuffix) {
		return fmt.Errorf("%w: %s outside suffix", ErrNoSuchObject, entry.DN)
	}
	if ndn != self.nsuffix {
		_, parent := SplitDN(ndn)
		if _, ok := self.entries[parent]; !ok {
			return fmt.Errorf("%w: parent of %s", ErrNoSuchObject, entry.DN)
		}
	}

	stored := &Entry{
		DN:    entry.DN,
		NDN:   ndn,
		UUID:  entry.UUID,
		Attrs: cloneAttrs(entry.Attrs),
	}
	if stored.First(AttrEntryUUID) == "" {
		stored.SetAttr(AttrEntryUUID, stored.UUID.String())
	}
	if stored.First(AttrCreateTimestamp) == "" {
		stored.SetAttr(AttrCreateTimestamp, dctx.Time().Format("20060102150405Z"))
	}
	self.stamp(dctx, stored)
	self.entries[ndn] = stored
	self.uuidIndex[stored.UUID] = ndn
	return nil
}

func (self *MemoryDirectory) Modify(dctx *DirContext, dn string, mods []Modification) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ndn, err := self.normalize(dn)
	if err != nil {
		return err
	}
	entry, ok := self.entries[ndn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, dn)
	}
	for _, mod := range mods {
		if err := ApplyModification(entry, mod); err != nil {
			return err
		}
	}
	self.stamp(dctx, entry)
	return nil
}

func (self *MemoryDirectory) ModifyDN(dctx *DirContext, dn string, newRDN string, deleteOldRDN bool, newSuperior string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ndn, err := self.normalize(dn)
	if err != nil {
		return err
	}
	entry, ok := self.entries[ndn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, dn)
	}
	if self.hasChildren(ndn) {
		return fmt.Errorf("%w: %s", ErrNonLeaf, dn)
	}

	renamed, err := RenameEntry(entry, newRDN, deleteOldRDN, newSuperior)
	if err != nil {
		return err
	}
	if renamed.NDN != ndn {
		if _, ok := self.entries[renamed.NDN]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, renamed.DN)
		}
	}

	delete(self.entries, ndn)
	self.entries[renamed.NDN] = renamed
	self.uuidIndex[renamed.UUID] = renamed.NDN
	self.stamp(dctx, renamed)
	return nil
}

func (self *MemoryDirectory) Delete(dctx *DirContext, dn string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ndn, err := self.normalize(dn)
	if err != nil {
		return err
	}
	entry, ok := self.entries[ndn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, dn)
	}
	if self.hasChildren(ndn) {
		return fmt.Errorf("%w: %s", ErrNonLeaf, dn)
	}
	delete(self.entries, ndn)
	delete(self.uuidIndex, entry.UUID)
	return nil
}

func (self *MemoryDirectory) Search(dctx *DirContext, request *SearchRequest, callback func(*Entry) error) error {
	self.mutex.Lock()
	base, err := self.normalize(request.BaseDN)
	if err != nil {
		self.mutex.Unlock()
		return err
	}
	var matcher *filterNode
	if request.Filter != "" {
		matcher, err = parseFilter(request.Filter)
		if err != nil {
			self.mutex.Unlock()
			return err
		}
	}

	candidates := []*Entry{}
	for ndn, entry := range self.entries {
		switch request.Scope {
		case ScopeBase:
			if ndn != base {
				continue
			}
		case ScopeOne:
			if _, parent := SplitDN(ndn); parent != base {
				continue
			}
		case ScopeSub:
			if !DNWithinSuffix(ndn, base) {
				continue
			}
		}
		if matcher != nil && !matcher.matches(entry) {
			continue
		}
		candidates = append(candidates, entry.clone())
	}
	self.mutex.Unlock()

	// deterministic order for callers that walk the tree
	slices.SortFunc(candidates, func(a *Entry, b *Entry) int {
		return strings.Compare(a.NDN, b.NDN)
	})

	count := 0
	for _, entry := range candidates {
		if 0 < request.SizeLimit && request.SizeLimit <= count {
			return nil
		}
		if err := callback(entry); err != nil {
			return err
		}
		count += 1
	}
	return nil
}

func (self *MemoryDirectory) FetchEntry(dn string) (*Entry, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ndn, err := self.normalize(dn)
	if err != nil {
		return nil, err
	}
	entry, ok := self.entries[ndn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchObject, dn)
	}
	return entry.clone(), nil
}

func (self *MemoryDirectory) UUIDs() []UUID {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.uuidIndex)
}

func (self *Entry) clone() *Entry {
	return &Entry{
		DN:    self.DN,
		NDN:   self.NDN,
		UUID:  self.UUID,
		Attrs: cloneAttrs(self.Attrs),
	}
}

func cloneAttrs(attrs []Attribute) []Attribute {
	out := make([]Attribute, len(attrs))
	for i, attr := range attrs {
		out[i] = attr
		out[i].Values = slices.Clone(attr.Values)
	}
	return out
}

func ApplyModification(entry *Entry, mod Modification) error {
	attr := entry.Attr(mod.Attr)
	switch mod.Op {
	case ModAdd, ModSoftAdd:
		if attr == nil {
			entry.Attrs = append(entry.Attrs, Attribute{Desc: mod.Attr, Values: slices.Clone(mod.Values)})
			return nil
		}
		for _, value := range mod.Values {
			exists := slices.ContainsFunc(attr.Values, func(v string) bool { return EqualFold(v, value) })
			if exists {
				if mod.Op == ModAdd {
					return fmt.Errorf("%w: value %q of %s", ErrAlreadyExists, value, mod.Attr)
				}
				continue
			}
			attr.Values = append(attr.Values, value)
		}
	case ModDelete, ModSoftDelete:
		if attr == nil {
			if mod.Op == ModSoftDelete {
				return nil
			}
			return fmt.Errorf("%w: attribute %s", ErrNoSuchObject, mod.Attr)
		}
		if len(mod.Values) == 0 {
			entry.Attrs = slices.DeleteFunc(entry.Attrs, func(a Attribute) bool {
				return EqualFold(a.Desc, mod.Attr)
			})
			return nil
		}
		for _, value := range mod.Values {
			i := slices.IndexFunc(attr.Values, func(v string) bool { return EqualFold(v, value) })
			if i < 0 {
				if mod.Op == ModSoftDelete {
					continue
				}
				return fmt.Errorf("%w: value %q of %s", ErrNoSuchObject, value, mod.Attr)
			}
			attr.Values = slices.Delete(attr.Values, i, i+1)
		}
		if len(attr.Values) == 0 {
			entry.Attrs = slices.DeleteFunc(entry.Attrs, func(a Attribute) bool {
				return EqualFold(a.Desc, mod.Attr)
			})
		}
	case ModReplace:
		if len(mod.Values) == 0 {
			entry.Attrs = slices.DeleteFunc(entry.Attrs, func(a Attribute) bool {
				return EqualFold(a.Desc, mod.Attr)
			})
			return nil
		}
		entry.SetAttr(mod.Attr, slices.Clone(mod.Values)...)
	case ModIncrement:
		if attr == nil || len(attr.Values) == 0 {
			return fmt.Errorf("%w: attribute %s", ErrNoSuchObject, mod.Attr)
		}
		n, ok := parseDecimal(attr.Values[0])
		if !ok {
			return fmt.Errorf("%w: increment of non-numeric %s", ErrProtocol, mod.Attr)
		}
		delta := int64(1)
		if 0 < len(mod.Values) {
			if d, ok := parseDecimal(mod.Values[0]); ok {
				delta = d
			}
		}
		attr.Values[0] = fmt.Sprintf("%d", n+delta)
	}
	return nil
}
