package replica

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// CookieState is the per-database context vector shared by every source
// replicating into that database. It holds the committed vector, a pending
// vector for stamps currently being applied, and the refresh arbitration
// state.
//
// Lock order: source mutex, refresh mutex, pending gate, main mutex
// innermost. The pending gate is held across an entire apply
// (PreCommit .. Rollback/Release); the main mutex is only ever taken on its
// own or inside the gate.
type CookieState struct {
	mutex      sync.Mutex
	commitCond *sync.Cond
	updating   bool

	committed *ContextVector
	age       uint64

	pendingMutex sync.Mutex
	pending      *ContextVector

	refCount int

	refreshMutex sync.Mutex
	refresher    *Source
	sources      []*Source

	contextDN string
	// the context vector lives in a cn=ldapsync sub-entry instead of the
	// context entry itself
	subentry bool

	dir      DirectoryOps
	shutdown *ShutdownLatch
	loaded   bool

	log LogFunction
}

func NewCookieState(dir DirectoryOps, contextDN string, subentry bool, shutdown *ShutdownLatch) *CookieState {
	cs := &CookieState{
		committed: NewContextVector(),
		pending:   NewContextVector(),
		refCount:  1,
		contextDN: contextDN,
		subentry:  subentry,
		dir:       dir,
		shutdown:  shutdown,
		log:       LogFn(LogLevelDebug, "cookiestate"),
	}
	cs.commitCond = sync.NewCond(&cs.mutex)
	return cs
}

func (self *CookieState) Ref() *CookieState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.refCount += 1
	return self
}

// Unref drops one reference and reports whether this was the last one.
func (self *CookieState) Unref() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.refCount -= 1
	if self.refCount > 0 {
		return false
	}
	self.sources = nil
	self.refresher = nil
	return true
}

func (self *CookieState) ContextDN() string {
	return self.contextDN
}

func (self *CookieState) Age() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.age
}

// Committed returns a snapshot of the committed vector.
func (self *CookieState) Committed() *ContextVector {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.committed.Clone()
}

func (self *CookieState) attach(source *Source) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !slices.Contains(self.sources, source) {
		self.sources = append(self.sources, source)
	}
}

func (self *CookieState) detach(source *Source) {
	self.mutex.Lock()
	if i := slices.Index(self.sources, source); 0 <= i {
		self.sources = slices.Delete(self.sources, i, i+1)
	}
	self.mutex.Unlock()

	self.refreshMutex.Lock()
	if self.refresher == source {
		self.refresher = nil
	}
	self.refreshMutex.Unlock()
}

// LoadFromStorage seeds the committed vector from the local contextCSN
// attribute on first use.
func (self *CookieState) LoadFromStorage() error {
	self.mutex.Lock()
	if self.loaded {
		self.mutex.Unlock()
		return nil
	}
	self.mutex.Unlock()

	entry, err := self.dir.FetchEntry(self.csnDN())
	if err != nil && !IsNoSuchObject(err) {
		return err
	}

	vector := NewContextVector()
	if entry != nil {
		if attr := entry.Attr(AttrContextCSN); attr != nil {
			for _, value := range attr.Values {
				csn := CSN(value)
				sid, err := csn.Sid()
				if err != nil {
					return err
				}
				vector.Set(sid, csn)
			}
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.loaded {
		self.committed = vector
		self.pending = NewContextVector()
		self.loaded = true
	}
	return nil
}

// TryBeginRefresh grants the refresh latch to source, or records it paused.
// At most one source per database refreshes at a time.
func (self *CookieState) TryBeginRefresh(source *Source) bool {
	self.refreshMutex.Lock()
	defer self.refreshMutex.Unlock()
	if self.refresher == nil || self.refresher == source {
		self.refresher = source
		return true
	}
	source.markPaused()
	return false
}

// EndRefresh clears the latch if source holds it. With reschedule, the first
// paused sibling is re-enqueued at interval zero.
func (self *CookieState) EndRefresh(source *Source, reschedule bool) bool {
	self.refreshMutex.Lock()
	if self.refresher != source {
		self.refreshMutex.Unlock()
		return false
	}
	self.refresher = nil
	self.refreshMutex.Unlock()

	if reschedule {
		self.mutex.Lock()
		sources := slices.Clone(self.sources)
		self.mutex.Unlock()
		for _, sibling := range sources {
			if sibling != source && sibling.clearPaused() {
				sibling.wake()
				break
			}
		}
	}
	return true
}

type PendingSlot struct {
	Check AgeCheck
	// index into the pending vector, valid for Rollback
	Index int
	// the sid the slot covers
	Sid int
	// the pending value before this acquisition, for restore
	prior CSN
	had   bool
}

// PreCommit acquires the pending gate and claims a slot for (sid, csn).
// The gate stays held until Rollback or Release. With configYield, the gate
// is acquired with a cooperative try-loop so a global pause cannot deadlock
// the cn=config source; on shutdown ErrShutdown is returned.
func (self *CookieState) PreCommit(sid int, csn CSN, configYield bool) (*PendingSlot, error) {
	if configYield {
		for !self.pendingMutex.TryLock() {
			if self.shutdown.IsSet() {
				return nil, ErrShutdown
			}
			runtime.Gosched()
			time.Sleep(10 * time.Millisecond)
		}
	} else {
		self.pendingMutex.Lock()
	}

	self.mutex.Lock()
	check, _ := self.committed.CheckAge(sid, csn)
	self.mutex.Unlock()
	if check == AgeTooOld {
		self.pendingMutex.Unlock()
		return &PendingSlot{Check: AgeTooOld}, nil
	}

	pcheck, slot := self.pending.CheckAge(sid, csn)
	if pcheck == AgeTooOld {
		self.pendingMutex.Unlock()
		return &PendingSlot{Check: AgeTooOld}, nil
	}

	pending := &PendingSlot{
		Check: pcheck,
		Index: slot,
		Sid:   sid,
	}
	if pcheck == AgeNewSid {
		self.pending.Sids = slices.Insert(self.pending.Sids, slot, sid)
		self.pending.Csns = slices.Insert(self.pending.Csns, slot, csn)
	} else {
		pending.prior = self.pending.Csns[slot]
		pending.had = true
		self.pending.Csns[slot] = csn
	}
	return pending, nil
}

// Rollback restores the pending slot from its prior value (or the committed
// value) and releases the gate.
func (self *CookieState) Rollback(slot *PendingSlot) {
	if slot == nil || slot.Check == AgeTooOld {
		return
	}
	if slot.had {
		self.pending.Csns[slot.Index] = slot.prior
	} else if committed, ok := self.Committed().Get(slot.Sid); ok {
		self.pending.Csns[slot.Index] = committed
	} else {
		self.pending.Sids = slices.Delete(self.pending.Sids, slot.Index, slot.Index+1)
		self.pending.Csns = slices.Delete(self.pending.Csns, slot.Index, slot.Index+1)
	}
	self.pendingMutex.Unlock()
}

// Release ends a successful apply: the slot value stands (the commit carried
// it into the committed vector) and the gate opens.
func (self *CookieState) Release(slot *PendingSlot) {
	if slot == nil || slot.Check == AgeTooOld {
		return
	}
	self.pendingMutex.Unlock()
}

// CommitAndPersist folds the received cookie into the committed vector and
// persists the result as a single modify-replace of contextCSN on the
// context entry. Writers are serialized on the commit condition. Returns
// whether the vector moved.
func (self *CookieState) CommitAndPersist(received *Cookie) (bool, error) {
	if received == nil || received.Empty() {
		return false, nil
	}

	self.mutex.Lock()
	for self.updating {
		if self.shutdown.IsSet() {
			self.mutex.Unlock()
			return false, ErrShutdown
		}
		self.commitCond.Wait()
	}
	self.updating = true
	merged := self.committed.Clone()
	changed := merged.Merge(received.Ctx)
	self.mutex.Unlock()

	finish := func() {
		self.mutex.Lock()
		self.updating = false
		self.commitCond.Broadcast()
		self.mutex.Unlock()
	}

	if !changed {
		finish()
		return false, nil
	}

	opCSN, _ := received.Ctx.Max()
	dctx := &DirContext{
		NonReplicated: true,
		QueuedCSN:     opCSN,
	}
	mods := []Modification{{
		Op:     ModReplace,
		Attr:   AttrContextCSN,
		Values: vectorValues(merged),
	}}

	err := self.dir.Modify(dctx, self.csnDN(), mods)
	if err != nil && IsNoSuchObject(err) && self.subentry {
		if err = self.addSubentry(dctx); err == nil {
			err = self.dir.Modify(dctx, self.csnDN(), mods)
		}
	}
	if err != nil {
		finish()
		return false, fmt.Errorf("contextCSN persist: %w", err)
	}

	self.mutex.Lock()
	self.committed = merged
	self.age += 1
	self.updating = false
	self.commitCond.Broadcast()
	self.mutex.Unlock()

	self.log("committed %s age=%d", merged, self.Age())
	return true, nil
}

// CheckStampAge classifies an incoming stamp against the committed and
// pending vectors without claiming a slot.
func (self *CookieState) CheckStampAge(sid int, csn CSN) AgeCheck {
	self.mutex.Lock()
	check, _ := self.committed.CheckAge(sid, csn)
	self.mutex.Unlock()
	if check == AgeTooOld {
		return AgeTooOld
	}
	self.pendingMutex.Lock()
	pcheck, _ := self.pending.CheckAge(sid, csn)
	self.pendingMutex.Unlock()
	if pcheck == AgeTooOld {
		return AgeTooOld
	}
	return check
}

func (self *CookieState) csnDN() string {
	if self.subentry {
		return "cn=ldapsync," + self.contextDN
	}
	return self.contextDN
}

func (self *CookieState) addSubentry(dctx *DirContext) error {
	subentry := &Entry{
		DN:   self.csnDN(),
		NDN:  RequireNormalizeDN(self.csnDN()),
		UUID: NewUUID(),
		Attrs: []Attribute{
			{Desc: AttrObjectClass, Values: []string{"top", "subentry", "syncProviderSubentry"}},
			{Desc: "cn", Values: []string{"ldapsync"}},
		},
	}
	addCtx := &DirContext{
		NonReplicated: true,
		IgnoreSchema:  true,
		Timestamp:     dctx.Time(),
	}
	err := self.dir.Add(addCtx, subentry)
	if err != nil && IsAlreadyExists(err) {
		return nil
	}
	return err
}

func vectorValues(vector *ContextVector) []string {
	values := []string{}
	for i, sid := range vector.Sids {
		if sid == NoSid {
			continue
		}
		values = append(values, string(vector.Csns[i]))
	}
	return values
}
