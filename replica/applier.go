package replica

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// Applier lands decoded entries and operation records in the local
// directory: locate the peer by UUID, classify, diff, apply.
type Applier struct {
	dir        DirectoryOps
	contextNDN string
	filter     *AttrFilter

	log LogFunction
}

func NewApplier(dir DirectoryOps, contextDN string, filter *AttrFilter) *Applier {
	return &Applier{
		dir:        dir,
		contextNDN: RequireNormalizeDN(contextDN),
		filter:     filter,
		log:        LogFn(LogLevelDebug, "applier"),
	}
}

// peerInfo is what the locate callback records about the local peer.
type peerInfo struct {
	entry *Entry

	// the incoming entry renames the peer
	renamed      bool
	newRDN       string
	newSuperior  string
	deleteOldRDN bool
	// the old RDN attribute keeps other values after the rename
	oldRDNKeepsValues bool
	newRDNAttr        string

	mods []Modification
}

// locatePeer finds the local entry carrying uuid and, when incoming is
// given, precomputes the rename split and the attribute diff.
func (self *Applier) locatePeer(uuid UUID, incoming *Entry) (*peerInfo, error) {
	request := &SearchRequest{
		BaseDN:    self.dir.Suffix(),
		Scope:     ScopeSub,
		Filter:    fmt.Sprintf("(%s=%s)", AttrEntryUUID, uuid),
		Attrs:     []string{"*", "+"},
		SizeLimit: 1,
	}
	var peer *peerInfo
	err := self.dir.Search(&DirContext{}, request, func(entry *Entry) error {
		peer = self.dnCallback(entry, incoming)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return peer, nil
}

func (self *Applier) dnCallback(local *Entry, incoming *Entry) *peerInfo {
	peer := &peerInfo{entry: local}
	if incoming == nil {
		return peer
	}

	if local.NDN != incoming.NDN {
		peer.renamed = true
		newRDN, _ := SplitDN(incoming.DN)
		_, newParent := SplitDN(incoming.NDN)
		_, oldParent := SplitDN(local.NDN)
		peer.newRDN = newRDN
		if newParent != oldParent {
			_, peer.newSuperior = SplitDN(incoming.DN)
		}

		oldRDNAttr, oldRDNValue := RDNAttr(local.DN)
		newRDNAttr, _ := RDNAttr(incoming.DN)
		peer.newRDNAttr = newRDNAttr

		// the old RDN value is deleted when the incoming entry no longer
		// carries it
		if attr := incoming.Attr(oldRDNAttr); attr != nil {
			has := slices.ContainsFunc(attr.Values, func(v string) bool { return EqualFold(v, oldRDNValue) })
			peer.deleteOldRDN = !has
			peer.oldRDNKeepsValues = 0 < len(attr.Values)
		} else {
			peer.deleteOldRDN = true
		}
	}

	peer.mods = DiffEntry(local, incoming, self.filter, self.contextNDN)
	return peer
}

// stampCovered drops operations whose stamp the committed vector already
// accounts for.
func stampCovered(committed *ContextVector, stamp CSN) bool {
	if stamp == "" || committed == nil {
		return false
	}
	sid, err := stamp.Sid()
	if err != nil {
		return false
	}
	for i, slotSid := range committed.Sids {
		if slotSid == NoSid || slotSid < sid {
			continue
		}
		if slotSid == sid && stamp.Compare(committed.Csns[i]) <= 0 {
			return true
		}
	}
	return false
}

// ApplyEntry lands one full-sync entry message. present inserts into the
// set; add/modify/delete go to the directory. During a refresh, failures to
// find parents are healed with glue; during persist they surface as a
// restart trigger.
func (self *Applier) ApplyEntry(message *EntryMessage, committed *ContextVector, presentSet *PresentSet, persistMode bool) error {
	switch message.State {
	case SyncPresent:
		if presentSet != nil {
			presentSet.Insert(message.UUID)
		}
		return nil
	case SyncDelete:
		return self.applyDelete(message.UUID, self.entryStamp(message))
	}

	stamp := self.entryStamp(message)
	if stampCovered(committed, stamp) {
		self.log("drop covered entry %s stamp=%s", message.Entry.DN, stamp)
		return nil
	}

	peer, err := self.locatePeer(message.UUID, message.Entry)
	if err != nil {
		return err
	}

	if peer == nil {
		return self.applyAdd(message, stamp, persistMode)
	}
	return self.applyModify(peer, message, stamp)
}

func (self *Applier) entryStamp(message *EntryMessage) CSN {
	if message.Entry != nil {
		if stamp := message.Entry.EntryCSN(); stamp != "" {
			return stamp
		}
	}
	if message.Cookie != nil {
		if max, ok := message.Cookie.Ctx.Max(); ok {
			return max
		}
	}
	return ""
}

func (self *Applier) applyAdd(message *EntryMessage, stamp CSN, persistMode bool) error {
	dctx := &DirContext{QueuedCSN: stamp}
	entry := message.Entry
	entry.UUID = message.UUID
	entry.SetAttr(AttrEntryUUID, message.UUID.String())

	err := self.dir.Add(dctx, entry)
	switch {
	case err == nil:
		return nil
	case IsAlreadyExists(err):
		// stamp-wins: a local twin at least as new is success
		local, ferr := self.dir.FetchEntry(entry.DN)
		if ferr == nil && stamp != "" && stamp.Compare(local.EntryCSN()) <= 0 {
			return nil
		}
		if ferr == nil {
			peer := self.dnCallback(local, entry)
			return self.applyModify(peer, message, stamp)
		}
		return err
	case IsNoSuchObject(err):
		if persistMode {
			// missing ancestors in persist mode mean we lost context,
			// surface the restart trigger
			return fmt.Errorf("add %s: %w", entry.DN, err)
		}
		// refresh can materialize the gap
		if gerr := BuildGlueAncestors(self.dir, entry.DN, dctx); gerr != nil {
			return gerr
		}
		return self.dir.Add(dctx, entry)
	default:
		return err
	}
}

func (self *Applier) applyModify(peer *peerInfo, message *EntryMessage, stamp CSN) error {
	dctx := &DirContext{QueuedCSN: stamp}
	dn := peer.entry.DN

	if peer.renamed {
		err := self.dir.ModifyDN(dctx, dn, peer.newRDN, peer.deleteOldRDN, peer.newSuperior)
		if err != nil && !IsNoSuchObject(err) {
			return err
		}
		dn = message.Entry.DN

		// the rename already implements RDN attribute changes; keep the
		// remaining diff plus the operational attributes
		mods := []Modification{}
		for _, mod := range peer.mods {
			if EqualFold(mod.Attr, peer.newRDNAttr) && !isColocated(mod.Attr) {
				continue
			}
			mods = append(mods, mod)
		}
		peer.mods = mods
	}

	if len(peer.mods) == 0 {
		return nil
	}
	err := self.dir.Modify(dctx, dn, peer.mods)
	if err != nil && IsNoSuchObject(err) && peer.renamed {
		// raced our own rename, retry against the new name once
		return self.dir.Modify(dctx, message.Entry.DN, peer.mods)
	}
	return err
}

func (self *Applier) applyDelete(uuid UUID, stamp CSN) error {
	peer, err := self.locatePeer(uuid, nil)
	if err != nil {
		return err
	}
	if peer == nil {
		// already gone
		return nil
	}
	return self.DeleteOrGlue(peer.entry.DN, stamp)
}

// DeleteOrGlue deletes dn; a delete refused on a non-leaf instead demotes
// the entry to glue so the subtree survives. The glue conversion carries an
// operation time one second after the refused delete so the two writes do
// not share a timestamp. Ancestors of dn are not visited.
func (self *Applier) DeleteOrGlue(dn string, stamp CSN) error {
	opTime := time.Now().UTC()
	dctx := &DirContext{QueuedCSN: stamp, Timestamp: opTime}

	err := self.dir.Delete(dctx, dn)
	switch {
	case err == nil:
		return nil
	case IsNoSuchObject(err):
		return nil
	case IsNonLeaf(err):
		opTime = opTime.Add(time.Second)
		glueCtx := &DirContext{QueuedCSN: stamp, Timestamp: opTime}
		gerr := self.dir.Modify(glueCtx, dn, GlueConversionMods(stamp))
		if gerr != nil && IsNoSuchObject(gerr) {
			return nil
		}
		return gerr
	default:
		return err
	}
}

// ApplyOp lands one delta operation record, resolving conflicts when the
// record arrives out of causal order.
func (self *Applier) ApplyOp(op *OpMessage, committed *ContextVector, resolver *Resolver, persistMode bool) error {
	if stampCovered(committed, op.Stamp) {
		self.log("drop covered op %s on %s stamp=%s", op.ChangeType, op.DN, op.Stamp)
		return nil
	}

	dctx := &DirContext{QueuedCSN: op.Stamp}

	switch op.ChangeType {
	case ChangeAdd:
		entry := entryFromMods(op.DN, op.Mods)
		if op.UUID != (UUID{}) {
			entry.UUID = op.UUID
			entry.SetAttr(AttrEntryUUID, op.UUID.String())
		} else {
			entry.UUID = NewUUID()
		}
		err := self.dir.Add(dctx, entry)
		switch {
		case err == nil:
			return nil
		case IsAlreadyExists(err):
			// stamp-wins rule
			local, ferr := self.dir.FetchEntry(op.DN)
			if ferr == nil && op.Stamp != "" && op.Stamp.Compare(local.EntryCSN()) <= 0 {
				return nil
			}
			return err
		case IsNoSuchObject(err) && !persistMode:
			if gerr := BuildGlueAncestors(self.dir, op.DN, dctx); gerr != nil {
				return gerr
			}
			return self.dir.Add(dctx, entry)
		default:
			return err
		}

	case ChangeModify:
		mods := op.Mods
		if resolver != nil {
			local, err := self.dir.FetchEntry(op.DN)
			if err != nil {
				if IsNoSuchObject(err) && persistMode {
					return fmt.Errorf("modify %s: %w", op.DN, err)
				}
				return err
			}
			if NeedsResolution(op.Stamp, local.EntryCSN()) {
				newer, err := resolver.NewerMods(op.DN, op.Stamp)
				if err != nil {
					return err
				}
				mods = ReconcileMods(mods, newer, local)
				if len(mods) == 0 {
					return nil
				}
			}
		}
		err := self.dir.Modify(dctx, op.DN, mods)
		if err != nil && IsNoSuchObject(err) && persistMode {
			return fmt.Errorf("modify %s: %w", op.DN, err)
		}
		return err

	case ChangeModRDN:
		err := self.dir.ModifyDN(dctx, op.DN, op.NewRDN, op.DeleteOldRDN, op.NewSuperior)
		if err != nil && IsNoSuchObject(err) {
			if persistMode {
				return fmt.Errorf("modrdn %s: %w", op.DN, err)
			}
			return nil
		}
		return err

	case ChangeDelete:
		if op.UUID != (UUID{}) {
			return self.applyDelete(op.UUID, op.Stamp)
		}
		return self.DeleteOrGlue(op.DN, op.Stamp)
	}
	return fmt.Errorf("%w: change type %d", ErrProtocol, op.ChangeType)
}

func entryFromMods(dn string, mods []Modification) *Entry {
	entry := &Entry{
		DN:  dn,
		NDN: RequireNormalizeDN(dn),
	}
	for _, mod := range mods {
		if attr := entry.Attr(mod.Attr); attr != nil {
			attr.Values = append(attr.Values, mod.Values...)
		} else {
			entry.Attrs = append(entry.Attrs, Attribute{
				Desc:         mod.Attr,
				Values:       slices.Clone(mod.Values),
				SingleValued: mod.SingleValued,
			})
		}
	}
	return entry
}

// Resolver fetches newer overlapping modifications from the local log
// database for conflict resolution.
type Resolver struct {
	logDir  DirectoryOps
	logBase string
	decoder *Decoder
}

func NewResolver(logDir DirectoryOps, logBase string, decoder *Decoder) *Resolver {
	return &Resolver{
		logDir:  logDir,
		logBase: logBase,
		decoder: decoder,
	}
}

// NewerMods returns the modifications of every modify log record targeting
// dn with a stamp at or above stamp, flattened in stamp order. Records of
// other change types are skipped.
func (self *Resolver) NewerMods(dn string, stamp CSN) ([]Modification, error) {
	if self == nil || self.logDir == nil {
		return nil, nil
	}
	request := &SearchRequest{
		BaseDN: self.logBase,
		Scope:  ScopeSub,
		Filter: fmt.Sprintf("(&(%s=%s)(%s>=%s))", logAttrTargetDN, dn, AttrEntryCSN, stamp),
	}
	records := []*OpMessage{}
	err := self.logDir.Search(&DirContext{}, request, func(record *Entry) error {
		op, derr := self.decoder.DecodeAccessLogRecord(record, nil)
		if derr != nil {
			// tolerate foreign records in the log container
			return nil
		}
		if op.ChangeType == ChangeModify {
			records = append(records, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(records, func(a *OpMessage, b *OpMessage) int {
		return a.Stamp.Compare(b.Stamp)
	})
	mods := []Modification{}
	for _, record := range records {
		mods = append(mods, record.Mods...)
	}
	return mods, nil
}
