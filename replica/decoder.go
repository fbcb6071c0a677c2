package replica

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// NameRewriter maps provider-side DNs into the local naming context
// (suffix massage). The identity rewriter is the default.
type NameRewriter func(dn string) string

func IdentityRewriter(dn string) string {
	return dn
}

// attributes whose values are DNs and get passed through the rewriter
var defaultDNSyntaxAttrs = []string{
	"member", "uniqueMember", "owner", "manager", "seeAlso", "distinguishedName", "secretary",
}

// attributes the provider computes; delta records never carry them across
var dynamicAttrs = []string{
	"entryDN", "subschemaSubentry", "hasSubordinates", "memberOf",
}

// Decoder turns provider messages into the internal representation. One
// decoder per source; it carries the source's attribute view.
type Decoder struct {
	Rewriter   NameRewriter
	Filter     *AttrFilter
	ContextNDN string

	// lowercased descriptors known single-valued
	SingleValued map[string]bool

	DNSyntaxAttrs []string
}

func NewDecoder(contextNDN string) *Decoder {
	return &Decoder{
		Rewriter:      IdentityRewriter,
		ContextNDN:    contextNDN,
		SingleValued:  map[string]bool{},
		DNSyntaxAttrs: defaultDNSyntaxAttrs,
	}
}

func (self *Decoder) rewrite(dn string) string {
	if self.Rewriter == nil {
		return dn
	}
	return self.Rewriter(dn)
}

func (self *Decoder) isDNSyntax(desc string) bool {
	return slices.ContainsFunc(self.DNSyntaxAttrs, func(a string) bool { return EqualFold(a, desc) })
}

func (self *Decoder) isSingleValued(desc string) bool {
	return self.SingleValued[strings.ToLower(desc)]
}

// DecodeEntry handles the plain full-sync dialect: the received entry
// becomes a replace-modification list plus the constructed entry.
func (self *Decoder) DecodeEntry(dn string, attrs []Attribute, state SyncState, uuid UUID, cookie *Cookie) (*EntryMessage, error) {
	localDN := self.rewrite(dn)
	ndn, err := NormalizeDN(localDN)
	if err != nil {
		return nil, fmt.Errorf("%w: entry dn %q", ErrProtocol, dn)
	}

	entry := &Entry{
		DN:   localDN,
		NDN:  ndn,
		UUID: uuid,
	}
	mods := []Modification{}
	for _, attr := range attrs {
		if !self.Filter.Allows(attr.Desc) {
			continue
		}
		// never let a provider overwrite the local context vector
		if ndn == self.ContextNDN && EqualFold(attr.Desc, AttrContextCSN) {
			continue
		}
		values := slices.Clone(attr.Values)
		if self.isDNSyntax(attr.Desc) {
			for i, value := range values {
				values[i] = self.rewrite(value)
			}
		}
		stored := attr
		stored.Values = values
		stored.SingleValued = stored.SingleValued || self.isSingleValued(attr.Desc)
		entry.Attrs = append(entry.Attrs, stored)
		mods = append(mods, Modification{
			Op:           ModReplace,
			Attr:         attr.Desc,
			Values:       values,
			SingleValued: stored.SingleValued,
		})
	}

	return &EntryMessage{
		Entry:  entry,
		Mods:   mods,
		State:  state,
		UUID:   uuid,
		Cookie: cookie,
	}, nil
}

// access-log record attributes
const (
	logAttrTargetDN     = "reqDN"
	logAttrType         = "reqType"
	logAttrMod          = "reqMod"
	logAttrOld          = "reqOld"
	logAttrNewRDN       = "reqNewRDN"
	logAttrDeleteOldRDN = "reqDeleteOldRDN"
	logAttrNewSuperior  = "reqNewSuperior"
	logAttrControls     = "reqControls"
	logAttrResult       = "reqResult"
	logAttrEntryUUID    = "reqEntryUUID"
)

const relaxControlOID = "1.3.6.1.4.1.4203.666.5.12"

// DecodeAccessLogRecord handles delta dialect A: one audit-log entry becomes
// one operation record.
func (self *Decoder) DecodeAccessLogRecord(record *Entry, cookie *Cookie) (*OpMessage, error) {
	op := &OpMessage{Cookie: cookie}

	op.DN = self.rewrite(record.First(logAttrTargetDN))
	if op.DN == "" {
		return nil, fmt.Errorf("%w: log record %s without %s", ErrProtocol, record.DN, logAttrTargetDN)
	}
	switch reqType := record.First(logAttrType); reqType {
	case "add":
		op.ChangeType = ChangeAdd
	case "modify":
		op.ChangeType = ChangeModify
	case "modrdn":
		op.ChangeType = ChangeModRDN
	case "delete":
		op.ChangeType = ChangeDelete
	default:
		return nil, fmt.Errorf("%w: log record %s with reqType %q", ErrProtocol, record.DN, reqType)
	}

	op.Stamp = record.EntryCSN()
	if op.Stamp == "" {
		return nil, fmt.Errorf("%w: log record %s without entryCSN", ErrProtocol, record.DN)
	}
	if uuidStr := record.First(logAttrEntryUUID); uuidStr != "" {
		uuid, err := ParseUUID(uuidStr)
		if err != nil {
			return nil, fmt.Errorf("%w: log record %s uuid: %v", ErrProtocol, record.DN, err)
		}
		op.UUID = uuid
	}

	if op.ChangeType == ChangeModRDN {
		op.NewRDN = record.First(logAttrNewRDN)
		op.DeleteOldRDN = EqualFold(record.First(logAttrDeleteOldRDN), "TRUE")
		op.NewSuperior = self.rewrite(record.First(logAttrNewSuperior))
	}

	if controls := record.Attr(logAttrControls); controls != nil {
		for _, value := range controls.Values {
			if strings.Contains(value, relaxControlOID) {
				op.Relax = true
			}
		}
	}

	if modAttr := record.Attr(logAttrMod); modAttr != nil {
		mods, err := self.parseLogMods(modAttr.Values)
		if err != nil {
			return nil, fmt.Errorf("log record %s: %w", record.DN, err)
		}
		op.Mods = mods
	}
	return op, nil
}

// parseLogMods parses reqMod lines of the form `attr:<op> value` where op is
// one of + - = #. An empty `attr:` line starts a new grouped modification.
func (self *Decoder) parseLogMods(lines []string) ([]Modification, error) {
	mods := []Modification{}
	var current *Modification

	flush := func() {
		if current != nil {
			mods = append(mods, *current)
			current = nil
		}
	}

	for _, line := range lines {
		attr, rest, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed reqMod line %q", ErrProtocol, line)
		}
		if attr == "" {
			// group separator
			flush()
			continue
		}
		if slices.ContainsFunc(dynamicAttrs, func(a string) bool { return EqualFold(a, attr) }) {
			continue
		}
		if !self.Filter.Allows(attr) {
			continue
		}

		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: reqMod line %q without op", ErrProtocol, line)
		}
		var modOp ModOp
		switch rest[0] {
		case '+':
			modOp = ModAdd
		case '-':
			modOp = ModDelete
		case '=':
			modOp = ModReplace
		case '#':
			modOp = ModIncrement
		default:
			return nil, fmt.Errorf("%w: reqMod op %q", ErrProtocol, rest[0])
		}
		value := strings.TrimPrefix(rest[1:], " ")

		singleValued := self.isSingleValued(attr)
		if singleValued {
			// tolerate a concurrent replace on single-valued attributes
			switch modOp {
			case ModAdd:
				modOp = ModReplace
			case ModDelete:
				modOp = ModSoftDelete
			}
		}

		if self.isDNSyntax(attr) && value != "" {
			value = self.rewrite(value)
		}

		if current == nil || !EqualFold(current.Attr, attr) || current.Op != modOp {
			flush()
			current = &Modification{
				Op:           modOp,
				Attr:         attr,
				SingleValued: singleValued,
			}
		}
		if value != "" || modOp == ModIncrement {
			current.Values = append(current.Values, value)
		}
	}
	flush()
	return mods, nil
}

// change-log record attributes
const (
	clAttrTargetDN     = "targetDN"
	clAttrChangeType   = "changeType"
	clAttrChanges      = "changes"
	clAttrNewRDN       = "newRDN"
	clAttrDeleteOldRDN = "deleteOldRDN"
	clAttrNewSuperior  = "newSuperior"
	clAttrUniqueID     = "targetUniqueID"
	clAttrChangeNumber = "changeNumber"
)

// DecodeChangeLogRecord handles delta dialect B: the legacy change-log
// container format with a decimal change number high-water mark.
func (self *Decoder) DecodeChangeLogRecord(record *Entry, cookie *Cookie) (*OpMessage, error) {
	op := &OpMessage{Cookie: cookie}

	op.DN = self.rewrite(record.First(clAttrTargetDN))
	if op.DN == "" {
		return nil, fmt.Errorf("%w: changelog record %s without targetDN", ErrProtocol, record.DN)
	}
	switch changeType := record.First(clAttrChangeType); changeType {
	case "add":
		op.ChangeType = ChangeAdd
	case "modify":
		op.ChangeType = ChangeModify
	case "modrdn", "moddn":
		op.ChangeType = ChangeModRDN
	case "delete":
		op.ChangeType = ChangeDelete
	default:
		return nil, fmt.Errorf("%w: changelog changeType %q", ErrProtocol, changeType)
	}

	if numberStr := record.First(clAttrChangeNumber); numberStr != "" {
		number, err := strconv.ParseInt(numberStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: changeNumber %q", ErrProtocol, numberStr)
		}
		op.ChangeNumber = number
	}

	// the legacy uniqueID becomes the standard UUID attribute after
	// normalization through the synthetic separator form
	if uniqueID := record.First(clAttrUniqueID); uniqueID != "" {
		normalized := strings.ToLower(strings.ReplaceAll(uniqueID, ":", "-"))
		uuid, err := ParseUUID(normalized)
		if err != nil {
			return nil, fmt.Errorf("%w: uniqueID %q", ErrProtocol, uniqueID)
		}
		op.UUID = uuid
	}

	op.Stamp = record.EntryCSN()

	if op.ChangeType == ChangeModRDN {
		op.NewRDN = record.First(clAttrNewRDN)
		op.DeleteOldRDN = EqualFold(record.First(clAttrDeleteOldRDN), "TRUE")
		op.NewSuperior = self.rewrite(record.First(clAttrNewSuperior))
	}

	if changes := record.First(clAttrChanges); changes != "" {
		mods, err := self.parseChangesBlob(changes, op.ChangeType)
		if err != nil {
			return nil, fmt.Errorf("changelog record %s: %w", record.DN, err)
		}
		op.Mods = mods
	}
	return op, nil
}

// parseChangesBlob parses the sequential records `changes` format:
// for modify, groups of `add|delete|replace: attr` then `attr: value` lines
// terminated by `-`; for add, plain `attr: value` lines.
func (self *Decoder) parseChangesBlob(blob string, changeType ChangeType) ([]Modification, error) {
	mods := []Modification{}
	var current *Modification

	flush := func() {
		if current != nil {
			mods = append(mods, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line == "-" {
			flush()
			continue
		}
		attr, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed changes line %q", ErrProtocol, line)
		}
		value = strings.TrimPrefix(value, " ")

		if changeType == ChangeModify {
			switch strings.ToLower(attr) {
			case "add", "delete", "replace", "increment":
				flush()
				current = &Modification{Attr: value}
				switch strings.ToLower(attr) {
				case "add":
					current.Op = ModAdd
				case "delete":
					current.Op = ModDelete
				case "replace":
					current.Op = ModReplace
				case "increment":
					current.Op = ModIncrement
				}
				current.SingleValued = self.isSingleValued(value)
				continue
			}
			if current == nil {
				return nil, fmt.Errorf("%w: changes value line %q outside group", ErrProtocol, line)
			}
			if !EqualFold(attr, current.Attr) {
				return nil, fmt.Errorf("%w: changes line %q for wrong attribute", ErrProtocol, line)
			}
			if self.isDNSyntax(attr) {
				value = self.rewrite(value)
			}
			current.Values = append(current.Values, value)
			continue
		}

		// add records list plain attr: value lines
		if !self.Filter.Allows(attr) {
			continue
		}
		if self.isDNSyntax(attr) {
			value = self.rewrite(value)
		}
		if current == nil || !EqualFold(current.Attr, attr) {
			flush()
			current = &Modification{
				Op:           ModReplace,
				Attr:         attr,
				SingleValued: self.isSingleValued(attr),
			}
		}
		current.Values = append(current.Values, value)
	}
	flush()

	if changeType == ChangeModify {
		filtered := mods[:0]
		for _, mod := range mods {
			if !self.Filter.Allows(mod.Attr) {
				continue
			}
			filtered = append(filtered, mod)
		}
		mods = filtered
	}
	return mods, nil
}

// dir-sync attribute option markers for incremental values
const (
	dirSyncRangeAdd    = ";range=1-1"
	dirSyncRangeDelete = ";range=0-0"
)

// DecodeDirSyncEntry handles the dir-sync dialect: each entry is already a
// differential against local state.
func (self *Decoder) DecodeDirSyncEntry(dn string, attrs []Attribute, uuid UUID, cookie *Cookie) (*OpMessage, error) {
	op := &OpMessage{
		DN:     self.rewrite(dn),
		UUID:   uuid,
		Cookie: cookie,
	}

	deleted := false
	hasWhenCreated := false
	for _, attr := range attrs {
		if EqualFold(attr.Desc, "isDeleted") && 0 < len(attr.Values) && EqualFold(attr.Values[0], "TRUE") {
			deleted = true
		}
		if EqualFold(attr.Desc, "whenCreated") {
			hasWhenCreated = true
		}
	}

	if deleted {
		op.ChangeType = ChangeDelete
		return op, nil
	}

	for _, attr := range attrs {
		base := attr.Desc
		modOp := ModReplace
		switch {
		case strings.HasSuffix(base, dirSyncRangeAdd):
			base = strings.TrimSuffix(base, dirSyncRangeAdd)
			modOp = ModSoftAdd
		case strings.HasSuffix(base, dirSyncRangeDelete):
			base = strings.TrimSuffix(base, dirSyncRangeDelete)
			modOp = ModSoftDelete
		}
		if EqualFold(base, "isDeleted") {
			continue
		}
		if !self.Filter.Allows(base) {
			continue
		}
		values := slices.Clone(attr.Values)
		if self.isDNSyntax(base) {
			for i, value := range values {
				values[i] = self.rewrite(value)
			}
		}
		mod := Modification{
			Op:           modOp,
			Attr:         base,
			Values:       values,
			SingleValued: self.isSingleValued(base),
		}
		op.Mods = append(op.Mods, mod)

		if EqualFold(base, "whenCreated") && 0 < len(values) {
			op.Mods = append(op.Mods, Modification{
				Op:     ModReplace,
				Attr:   AttrCreateTimestamp,
				Values: []string{values[0]},
			})
		}
	}

	if hasWhenCreated {
		op.ChangeType = ChangeAdd
	} else {
		op.ChangeType = ChangeModify
	}
	return op, nil
}
