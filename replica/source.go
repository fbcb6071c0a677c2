package replica

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/openmirror/ldsync/wire"
)

// result code a delta provider uses to signal the log no longer covers us
const resultSyncRefreshRequired = 4096

type SourceState int

const (
	StateIdle SourceState = iota
	StateConnecting
	StateRefreshing
	StatePersisting
	StateBackoff
	StatePaused
	StateTerminating
)

func (self SourceState) String() string {
	switch self {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRefreshing:
		return "refreshing"
	case StatePersisting:
		return "persisting"
	case StateBackoff:
		return "backoff"
	case StatePaused:
		return "paused"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

type SourceSettings struct {
	// bounded wait for one provider message inside a tick
	MessageTimeout time.Duration
	DialTimeout    time.Duration

	// the hosting database is cn=config; pending acquisition must yield
	ConfigYield bool

	MultiMaster bool

	// command-line cookie overrides keyed by rid
	CookieOverrides map[int]*Cookie

	Dialer ProviderDialer
}

func DefaultSourceSettings() *SourceSettings {
	return &SourceSettings{
		MessageTimeout: 5 * time.Second,
		DialTimeout:    30 * time.Second,
		Dialer:         DialProvider,
	}
}

// Source is one configured remote: the per-source state machine that
// connects, refreshes, persists, and retries.
type Source struct {
	// serializes ticks; never held while blocking on another source
	mutex sync.Mutex

	config   *SourceConfig
	settings *SourceSettings

	dir    DirectoryOps
	logDir DirectoryOps

	cookieState *CookieState
	runQueue    *RunQueue
	shutdown    *ShutdownLatch

	decoder  *Decoder
	applier  *Applier
	resolver *Resolver

	task *Task

	state SourceState
	conn  ProviderConn
	// the search on conn is live
	searchActive bool

	// last cookie sent and received
	syncCookie    *Cookie
	lastRcvCookie *Cookie

	presentSet   *PresentSet
	refreshPhase RefreshPhase
	refreshDone  bool

	// delta state
	fallback         bool
	lastChangeNumber int64
	dirSyncCookie    []byte

	// a too-old update was dropped since the last refresh
	tooOldLatch bool

	paused  bool
	deleted bool

	log LogFunction
}

func NewSource(config *SourceConfig, dir DirectoryOps, logDir DirectoryOps, cookieState *CookieState, runQueue *RunQueue, shutdown *ShutdownLatch, settings *SourceSettings) *Source {
	if settings == nil {
		settings = DefaultSourceSettings()
	}
	if settings.Dialer == nil {
		settings.Dialer = DialProvider
	}

	contextDN := dir.Suffix()
	filter := &AttrFilter{
		Include: config.Attrs,
		Exclude: config.ExAttrs,
	}
	decoder := NewDecoder(RequireNormalizeDN(contextDN))
	decoder.Filter = filter
	if config.SuffixMassage != "" {
		decoder.Rewriter = SuffixMassageRewriter(config.SuffixMassage, contextDN)
	}

	source := &Source{
		config:      config,
		settings:    settings,
		dir:         dir,
		logDir:      logDir,
		cookieState: cookieState.Ref(),
		runQueue:    runQueue,
		shutdown:    shutdown,
		decoder:     decoder,
		applier:     NewApplier(dir, contextDN, filter),
		log:         SubLogFn(LogLevelInfo, LogFn(LogLevelInfo, "syncrepl"), config.RidText()),
	}
	if logDir != nil {
		source.resolver = NewResolver(logDir, config.LogBase, decoder)
	}
	cookieState.attach(source)
	return source
}

// SuffixMassageRewriter maps DNs under the provider suffix onto the local
// suffix. The full rewrite engine is external; this is the tail-substitution
// core the decoder calls.
func SuffixMassageRewriter(providerSuffix string, localSuffix string) NameRewriter {
	nprovider := RequireNormalizeDN(providerSuffix)
	return func(dn string) string {
		ndn, err := NormalizeDN(dn)
		if err != nil {
			return dn
		}
		if ndn == nprovider {
			return localSuffix
		}
		if DNWithinSuffix(ndn, nprovider) {
			head := dn[:len(dn)-len(providerSuffix)]
			return head + localSuffix
		}
		return dn
	}
}

// Start inserts the source into the run queue at interval zero.
func (self *Source) Start() {
	self.task = self.runQueue.Insert(self.config.RidText(), self.config.Interval, func() {
		self.Tick()
	})
	self.runQueue.Resched(self.task, false)
}

// MarkDeleted flags the source for removal; the next tick frees it.
func (self *Source) MarkDeleted() {
	self.deleted = true
	if self.task != nil {
		self.runQueue.Resched(self.task, false)
	}
}

func (self *Source) State() SourceState {
	return self.state
}

func (self *Source) TooOld() bool {
	return self.tooOldLatch
}

func (self *Source) Cookie() *Cookie {
	return self.syncCookie
}

func (self *Source) markPaused() {
	self.paused = true
	self.state = StatePaused
	if self.task != nil {
		self.runQueue.Stop(self.task)
	}
}

func (self *Source) clearPaused() bool {
	if !self.paused {
		return false
	}
	self.paused = false
	return true
}

func (self *Source) wake() {
	if self.task != nil {
		self.runQueue.Resched(self.task, false)
	}
}

// Tick is the loop body the run queue invokes.
func (self *Source) Tick() TickResult {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	result := self.tick()
	self.schedule(result)
	return result
}

func (self *Source) tick() TickResult {
	if self.shutdown.IsSet() {
		self.terminate()
		return TickShutdown
	}
	if self.deleted {
		self.log("deconfigured, freeing")
		self.terminate()
		self.cookieState.detach(self)
		self.cookieState.Unref()
		return TickShutdown
	}

	if self.conn == nil {
		if result := self.connect(); result != TickOk {
			return result
		}
	}

	// refresh arbitration: only one source per database refreshes
	if !self.refreshDone {
		if !self.cookieState.TryBeginRefresh(self) {
			self.log("refresh busy, pausing")
			return TickBusy
		}
	}

	if !self.searchActive {
		if err := self.startSearch(); err != nil {
			return self.fail(err)
		}
	}

	return self.receive()
}

// connect is phase 1: open the client connection and seed the cookie.
func (self *Source) connect() TickResult {
	self.state = StateConnecting

	creds := &Credentials{
		BindDN:      self.config.BindDN,
		Password:    self.config.Credentials,
		BearerToken: self.config.BearerToken,
	}
	if identity, err := creds.ParseBearerUnverified(); err == nil && identity != nil {
		self.log("bearer identity %s (issuer %s)", identity.Subject, identity.Issuer)
	}

	conn, err := self.settings.Dialer(self.config.Provider, creds, self.settings.DialTimeout)
	if err != nil {
		return self.fail(err)
	}
	self.conn = conn

	if err := self.seedCookie(); err != nil {
		self.unbind()
		return self.fail(err)
	}
	return TickOk
}

// seedCookie: command-line override, then the shared state, then the stored
// contextCSN.
func (self *Source) seedCookie() error {
	if self.syncCookie != nil {
		return nil
	}

	if override, ok := self.settings.CookieOverrides[self.config.Rid]; ok {
		self.syncCookie = override.Clone()
		self.log("cookie from override %s", self.syncCookie)
		return nil
	}

	if err := self.cookieState.LoadFromStorage(); err != nil {
		return err
	}
	cookie := NewCookie(self.config.Rid, NoSid)
	cookie.Ctx = self.cookieState.Committed()
	self.syncCookie = cookie

	self.loadDialectState()

	// strictrefresh: a delta source with no state runs the full refresh
	// before it starts listening on the log
	if self.config.StrictRefresh && self.config.SyncData != DataPlain && self.syncCookie.Empty() {
		self.log("strictrefresh: no local state, starting with fallback refresh")
		self.fallback = true
	}
	return nil
}

// loadDialectState reads the persisted dir-sync cookie and change-log high
// water mark off the context entry.
func (self *Source) loadDialectState() {
	entry, err := self.dir.FetchEntry(self.dir.Suffix())
	if err != nil {
		return
	}
	if value := entry.First(AttrDirSyncCookie); value != "" {
		self.dirSyncCookie = []byte(value)
	}
	if value := entry.First(AttrLastChangeNumber); value != "" {
		if number, err := strconv.ParseInt(value, 10, 64); err == nil {
			self.lastChangeNumber = number
		}
	}
}

func (self *Source) persistDialectState() {
	mods := []Modification{}
	if self.config.Mode == ModeDirSync && 0 < len(self.dirSyncCookie) {
		mods = append(mods, Modification{
			Op:     ModReplace,
			Attr:   AttrDirSyncCookie,
			Values: []string{string(self.dirSyncCookie)},
		})
	}
	if self.config.SyncData == DataChangeLog && 0 < self.lastChangeNumber {
		mods = append(mods, Modification{
			Op:     ModReplace,
			Attr:   AttrLastChangeNumber,
			Values: []string{strconv.FormatInt(self.lastChangeNumber, 10)},
		})
	}
	if len(mods) == 0 {
		return
	}
	dctx := &DirContext{NonReplicated: true}
	if err := self.dir.Modify(dctx, self.dir.Suffix(), mods); err != nil {
		self.log("dialect state persist failed: %v", err)
	}
}

// startSearch issues the sync search with the dialect's control payload.
func (self *Source) startSearch() error {
	self.state = StateRefreshing
	self.refreshPhase = PhaseNone

	search := &ProviderSearch{
		BaseDN:    self.config.SearchBase,
		Scope:     self.config.Scope,
		Filter:    self.config.Filter,
		Attrs:     self.searchAttrs(),
		SizeLimit: self.config.SizeLimit,
		TimeLimit: self.config.TimeLimit,
	}

	switch {
	case self.config.Mode == ModeDirSync:
		search.Controls = append(search.Controls, wire.NewDirSyncControl(1, 0x100000, self.dirSyncCookie))
		if 0 < len(self.dirSyncCookie) {
			search.Controls = append(search.Controls, wire.NewShowDeletedControl())
		}

	case self.config.SyncData == DataChangeLog && !self.fallback:
		// change-log logging mode: persistent search over the log
		// container past the high-water mark
		search.BaseDN = self.config.LogBase
		search.Scope = ScopeSub
		search.Filter = self.changeLogFilter()
		search.Attrs = []string{"*", "+"}
		search.Controls = append(search.Controls,
			wire.NewPersistentSearchControl(0xF, false, false))

	case self.config.SyncData == DataChangeLog:
		// fallback refresh runs a plain un-controlled search
		self.log("changelog fallback refresh")

	default:
		mode := wire.SyncModeRefreshOnly
		if self.config.Mode == ModeRefreshAndPersist {
			mode = wire.SyncModeRefreshAndPersist
		}
		if self.config.SyncData == DataAccessLog && !self.fallback {
			search.BaseDN = self.config.LogBase
			search.Scope = ScopeSub
			search.Filter = self.accessLogFilter()
			search.Attrs = []string{"reqDN", "reqType", "reqMod", "reqNewRDN",
				"reqDeleteOldRDN", "reqNewSuperior", "reqControls", "reqEntryUUID",
				AttrEntryCSN, AttrEntryUUID}
		}
		cookieBytes := []byte{}
		if self.syncCookie != nil && !self.syncCookie.Empty() {
			cookieBytes = self.syncCookie.Bytes()
		}
		refreshHint := self.config.Mode == ModeRefreshOnly
		search.Controls = append(search.Controls,
			wire.NewSyncRequestControl(mode, cookieBytes, refreshHint))
		if self.config.ManageDSAit {
			search.Controls = append(search.Controls, wire.NewManageDsaITControl(true))
		}
		if self.config.AuthzID != "" {
			search.Controls = append(search.Controls, &wire.ProxyAuthzControl{AuthzID: self.config.AuthzID})
		}
		if self.config.LazyCommit {
			search.Controls = append(search.Controls, wire.NewLazyCommitControl())
		}
	}

	if err := self.conn.StartSearch(search); err != nil {
		return err
	}
	self.searchActive = true
	self.log("search started base=%q mode=%s syncdata=%s fallback=%t",
		search.BaseDN, self.config.Mode, self.config.SyncData, self.fallback)
	return nil
}

func (self *Source) searchAttrs() []string {
	if 0 < len(self.config.Attrs) {
		attrs := append([]string{}, self.config.Attrs...)
		return append(attrs, AttrEntryUUID, AttrEntryCSN)
	}
	return []string{"*", "+"}
}

func (self *Source) accessLogFilter() string {
	logFilter := self.config.LogFilter
	if logFilter == "" {
		logFilter = "(&(objectClass=auditWriteObject)(reqResult=0))"
	}
	return logFilter
}

func (self *Source) changeLogFilter() string {
	logFilter := self.config.LogFilter
	if logFilter == "" {
		logFilter = "(objectClass=changeLogEntry)"
	}
	return fmt.Sprintf("(&%s(changeNumber>=%d))", logFilter, self.lastChangeNumber+1)
}

// receive is phase 2: drain messages until a terminal condition.
func (self *Source) receive() TickResult {
	for {
		if self.shutdown.IsSet() {
			self.terminate()
			return TickShutdown
		}

		message, err := self.conn.Next(self.settings.MessageTimeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				if self.refreshDone && self.persisting() {
					// quiet persist link, keep listening next tick
					return TickRepoll
				}
				return TickTimeout
			}
			return self.fail(err)
		}

		switch {
		case message.Entry != nil:
			if err := self.handleEntry(message.Entry); err != nil {
				return self.fail(err)
			}
		case message.Intermediate != nil:
			if err := self.handleIntermediate(message.Intermediate); err != nil {
				return self.fail(err)
			}
		case message.Done != nil:
			return self.handleFinal(message.Done)
		}
	}
}

func (self *Source) persisting() bool {
	if self.config.Mode == ModeRefreshAndPersist {
		return true
	}
	return self.config.SyncData == DataChangeLog && !self.fallback
}

// handleEntry routes one search entry through the dialect decoder and the
// applier, under a claimed pending slot when it carries a cookie.
func (self *Source) handleEntry(entry *ProviderEntry) error {
	switch {
	case self.config.Mode == ModeDirSync:
		return self.handleDirSyncEntry(entry)
	case self.config.SyncData == DataChangeLog && !self.fallback:
		return self.handleChangeLogEntry(entry)
	case self.config.SyncData == DataAccessLog && !self.fallback:
		return self.handleAccessLogEntry(entry)
	default:
		return self.handlePlainEntry(entry)
	}
}

func (self *Source) handlePlainEntry(entry *ProviderEntry) error {
	if entry.SyncState == nil {
		return fmt.Errorf("%w: entry %s without sync state control", ErrProtocol, entry.DN)
	}
	state := SyncState(entry.SyncState.State)
	uuid, err := UUIDFromBytes(entry.SyncState.UUID)
	if err != nil {
		return fmt.Errorf("%w: entry %s: %v", ErrProtocol, entry.DN, err)
	}

	var cookie *Cookie
	if 0 < len(entry.SyncState.Cookie) {
		if cookie, err = ParseCookie(entry.SyncState.Cookie); err != nil {
			return err
		}
	}

	message, err := self.decoder.DecodeEntry(entry.DN, entry.Attrs, state, uuid, cookie)
	if err != nil {
		return err
	}

	apply := func() error {
		return self.applier.ApplyEntry(message, self.cookieState.Committed(), self.presentSetFor(state), self.refreshDone && self.persisting())
	}
	return self.applyWithCookie(cookie, apply)
}

func (self *Source) presentSetFor(state SyncState) *PresentSet {
	if state != SyncPresent {
		return self.presentSet
	}
	if self.presentSet == nil {
		self.presentSet = NewPresentSet()
	}
	return self.presentSet
}

func (self *Source) handleAccessLogEntry(entry *ProviderEntry) error {
	if entry.SyncState == nil {
		return fmt.Errorf("%w: log record %s without sync state control", ErrProtocol, entry.DN)
	}
	state := SyncState(entry.SyncState.State)
	if state == SyncPresent {
		// log records have no meaningful present phase; they announce
		// themselves only
		return nil
	}

	var cookie *Cookie
	var err error
	if 0 < len(entry.SyncState.Cookie) {
		if cookie, err = ParseCookie(entry.SyncState.Cookie); err != nil {
			return err
		}
	}

	record := &Entry{DN: entry.DN, Attrs: entry.Attrs}
	op, err := self.decoder.DecodeAccessLogRecord(record, cookie)
	if err != nil {
		return err
	}

	apply := func() error {
		aerr := self.applier.ApplyOp(op, self.cookieState.Committed(), self.resolver, self.persisting())
		if aerr != nil && IsNoSuchObject(aerr) && self.persisting() {
			// we lost the thread of the log; invalidate and fall back
			return fmt.Errorf("%w: %v", ErrRefreshRequired, aerr)
		}
		return aerr
	}
	return self.applyWithCookie(cookie, apply)
}

func (self *Source) handleChangeLogEntry(entry *ProviderEntry) error {
	record := &Entry{DN: entry.DN, Attrs: entry.Attrs}
	op, err := self.decoder.DecodeChangeLogRecord(record, nil)
	if err != nil {
		return err
	}
	if err := self.applier.ApplyOp(op, self.cookieState.Committed(), self.resolver, true); err != nil {
		if IsNoSuchObject(err) {
			// we lost the thread of the log; fall back to a full refresh
			return fmt.Errorf("%w: %v", ErrRefreshRequired, err)
		}
		return err
	}
	if self.lastChangeNumber < op.ChangeNumber {
		self.lastChangeNumber = op.ChangeNumber
		self.persistDialectState()
	}
	return nil
}

func (self *Source) handleDirSyncEntry(entry *ProviderEntry) error {
	uuid := UUID{}
	for _, attr := range entry.Attrs {
		if EqualFold(attr.Desc, "objectGUID") && 0 < len(attr.Values) {
			if parsed, err := UUIDFromBytes([]byte(attr.Values[0])); err == nil {
				uuid = parsed
			}
		}
	}
	op, err := self.decoder.DecodeDirSyncEntry(entry.DN, entry.Attrs, uuid, nil)
	if err != nil {
		return err
	}
	return self.applier.ApplyOp(op, self.cookieState.Committed(), nil, false)
}

// applyWithCookie claims a pending slot for the cookie's newest stamp,
// applies, then commits or rolls back. Too-old stamps drop silently and
// latch the diagnostic flag.
func (self *Source) applyWithCookie(cookie *Cookie, apply func() error) error {
	if cookie == nil || cookie.Empty() {
		return apply()
	}
	stamp, _ := cookie.Ctx.Max()
	sid, err := stamp.Sid()
	if err != nil {
		return err
	}

	slot, err := self.cookieState.PreCommit(sid, stamp, self.settings.ConfigYield)
	if err != nil {
		return err
	}
	if slot.Check == AgeTooOld {
		self.tooOldLatch = true
		self.log("dropped too-old update %s", stamp)
		return nil
	}

	if err := apply(); err != nil {
		self.cookieState.Rollback(slot)
		return err
	}

	if _, err := self.cookieState.CommitAndPersist(cookie); err != nil {
		self.cookieState.Rollback(slot)
		return err
	}
	self.cookieState.Release(slot)
	self.lastRcvCookie = cookie.Clone()
	self.mergeSyncCookie(cookie)
	return nil
}

func (self *Source) mergeSyncCookie(received *Cookie) {
	if self.syncCookie == nil {
		self.syncCookie = NewCookie(self.config.Rid, received.Sid)
	}
	self.syncCookie.Ctx.Merge(received.Ctx)
}

func (self *Source) handleIntermediate(info *wire.SyncInfoMessage) error {
	switch {
	case info.NewCookie != nil:
		cookie, err := ParseCookie(info.NewCookie)
		if err != nil {
			return err
		}
		// cookie only, no commit
		self.mergeSyncCookie(cookie)
		self.lastRcvCookie = cookie.Clone()
		return nil

	case info.RefreshPresent != nil:
		return self.handleRefreshPhase(PhasePresent, info.RefreshPresent)

	case info.RefreshDelete != nil:
		return self.handleRefreshPhase(PhaseDelete, info.RefreshDelete)

	case info.IdSet != nil:
		return self.handleIdSet(info.IdSet)
	}
	return fmt.Errorf("%w: empty sync info message", ErrProtocol)
}

func (self *Source) handleRefreshPhase(phase RefreshPhase, refresh *wire.SyncInfoRefresh) error {
	self.refreshPhase = phase

	var cookie *Cookie
	if 0 < len(refresh.Cookie) {
		var err error
		if cookie, err = ParseCookie(refresh.Cookie); err != nil {
			return err
		}
		self.lastRcvCookie = cookie.Clone()
	}

	if !refresh.RefreshDone {
		return nil
	}

	// refresh closes here: the present phase complement runs when the
	// provider announced presents rather than deletes
	if phase == PhasePresent && self.presentSet != nil {
		if err := self.reconcileNonPresent(cookie); err != nil {
			return err
		}
	}
	self.finishRefresh(cookie)
	return nil
}

func (self *Source) handleIdSet(idSet *wire.SyncInfoIdSet) error {
	var cookie *Cookie
	if 0 < len(idSet.Cookie) {
		var err error
		if cookie, err = ParseCookie(idSet.Cookie); err != nil {
			return err
		}
		self.lastRcvCookie = cookie.Clone()
	}

	if idSet.RefreshDeletes {
		// explicit delete list
		stamp := DeleteStampFor(cookie)
		if stamp == "" {
			stamp = DeleteStampFor(self.lastRcvCookie)
		}
		for _, uuidBytes := range idSet.UUIDs {
			uuid, err := UUIDFromBytes(uuidBytes)
			if err != nil {
				return fmt.Errorf("%w: sync id set: %v", ErrProtocol, err)
			}
			if err := self.applier.applyDelete(uuid, stamp); err != nil {
				return err
			}
		}
		if cookie != nil {
			if _, err := self.cookieState.CommitAndPersist(cookie); err != nil {
				return err
			}
			self.mergeSyncCookie(cookie)
		}
		return nil
	}

	if self.presentSet == nil {
		self.presentSet = NewPresentSet()
	}
	for _, uuidBytes := range idSet.UUIDs {
		uuid, err := UUIDFromBytes(uuidBytes)
		if err != nil {
			return fmt.Errorf("%w: sync id set: %v", ErrProtocol, err)
		}
		self.presentSet.Insert(uuid)
	}
	return nil
}

// reconcileNonPresent runs the present-set complement and drains it as
// deletes.
func (self *Source) reconcileNonPresent(cookie *Cookie) error {
	if self.presentSet == nil {
		return nil
	}
	if cookie == nil {
		cookie = self.lastRcvCookie
	}

	var maxStamp CSN
	if cookie != nil {
		maxStamp, _ = cookie.Ctx.Max()
	}
	nonPresent, err := self.applier.CollectNonPresent(
		self.presentSet,
		self.config.SearchBase,
		self.config.Scope,
		self.config.Filter,
		self.settings.MultiMaster,
		maxStamp,
	)
	if err != nil {
		return err
	}
	self.log("non-present reconciliation: %d entries to delete, %d matched",
		len(nonPresent), self.presentSet.Len())
	return self.applier.DrainNonPresent(nonPresent, DeleteStampFor(cookie))
}

// finishRefresh closes out the refresh: commit the cookie, reset the retry
// schedule, free the present set, hand the refresh latch to a sibling.
func (self *Source) finishRefresh(cookie *Cookie) {
	if cookie != nil {
		if _, err := self.cookieState.CommitAndPersist(cookie); err != nil {
			self.log("cookie commit at refresh end: %v", err)
		} else {
			self.mergeSyncCookie(cookie)
		}
	}
	if self.presentSet != nil {
		population := self.presentSet.FreeAll()
		self.log("present set freed, %d entries", population)
		self.presentSet = nil
	}
	self.refreshDone = true
	self.config.Schedule.Reset()
	self.cookieState.EndRefresh(self, true)
	if self.persisting() {
		self.state = StatePersisting
	}
	self.log("refresh done")
}

func (self *Source) handleFinal(result *ProviderResult) TickResult {
	if result.Code == resultSyncRefreshRequired {
		return self.fail(ErrRefreshRequired)
	}
	if result.Code != 0 && result.Code != int(ldap.LDAPResultCanceled) {
		return self.fail(fmt.Errorf("%w: search result %d", ErrProtocol, result.Code))
	}

	self.searchActive = false

	// dir-sync paging
	if result.DirSync != nil {
		self.dirSyncCookie = result.DirSync.Cookie
		self.persistDialectState()
		if !self.refreshDone {
			self.finishRefresh(nil)
		}
		if result.DirSync.MoreResults {
			return TickRepoll
		}
		return TickOk
	}

	// change-log fallback completion resumes logging mode
	if self.config.SyncData == DataChangeLog {
		if self.fallback {
			self.fallback = false
		}
		if !self.refreshDone {
			self.finishRefresh(nil)
		}
		return TickRepoll
	}

	if self.config.Mode == ModeRefreshAndPersist && self.refreshDone && !self.fallback {
		// a persist search never terminates cleanly
		return self.fail(fmt.Errorf("%w: persist search terminated", ErrProtocol))
	}

	var cookie *Cookie
	refreshDeletes := false
	if result.SyncDone != nil {
		refreshDeletes = result.SyncDone.RefreshDeletes
		if 0 < len(result.SyncDone.Cookie) {
			parsed, err := ParseCookie(result.SyncDone.Cookie)
			if err != nil {
				return self.fail(err)
			}
			cookie = parsed
		}
	}

	// a provider that never announced deletes leaves the complement to us
	// when it has advanced past the cookie we sent
	if !refreshDeletes && self.behindReceived(cookie) {
		if err := self.reconcileNonPresent(cookie); err != nil {
			return self.fail(err)
		}
	}

	if self.fallback {
		// fallback refresh complete, back to delta logging
		self.fallback = false
		self.log("fallback refresh complete")
	}
	self.finishRefresh(cookie)
	if self.config.Mode == ModeRefreshOnly {
		// the next poll is a fresh refresh and re-arbitrates
		self.refreshDone = false
	}
	return TickOk
}

// behindReceived reports whether the cookie we sent trails the received one.
func (self *Source) behindReceived(received *Cookie) bool {
	if received == nil || received.Empty() {
		return self.presentSet != nil
	}
	sent := self.syncCookie
	if sent == nil || sent.Empty() {
		return true
	}
	order, _ := sent.Ctx.Compare(received.Ctx)
	return order == OrderLess
}

// fail classifies an error per the taxonomy and schedules recovery.
func (self *Source) fail(err error) TickResult {
	if errors.Is(err, ErrShutdown) || self.shutdown.IsSet() {
		self.terminate()
		return TickShutdown
	}

	if errors.Is(err, ErrRefreshRequired) {
		// the delta log lost us; fall back to a full refresh
		self.log("refresh required, entering fallback")
		self.fallback = true
		self.refreshDone = false
		self.searchActive = false
		self.cookieState.EndRefresh(self, false)
		return TickRepoll
	}

	if IsTransient(err) {
		self.log("transient failure: %v", err)
		self.disconnect()
		return self.backoff()
	}

	if errors.Is(err, ErrProtocol) {
		self.log("protocol failure: %v", err)
		self.disconnect()
		return self.backoff()
	}

	self.log("failure: %v", err)
	self.disconnect()
	return self.backoff()
}

// backoff consumes the retry schedule; exhaustion removes the source from
// the run queue.
func (self *Source) backoff() TickResult {
	self.state = StateBackoff
	self.cookieState.EndRefresh(self, true)

	interval, ok := self.config.Schedule.NextRetry()
	if !ok {
		self.log("retry schedule exhausted, quitting")
		if self.task != nil {
			self.runQueue.Remove(self.task)
		}
		return TickError
	}
	self.log("retrying in %s", interval)
	if self.task != nil {
		self.runQueue.ReschedInterval(self.task, interval)
	}
	return TickError
}

func (self *Source) disconnect() {
	self.unbind()
	self.searchActive = false
	self.refreshDone = false
	if self.presentSet != nil {
		self.presentSet.FreeAll()
		self.presentSet = nil
	}
}

func (self *Source) unbind() {
	if self.conn != nil {
		self.conn.Unbind()
		self.conn = nil
	}
}

func (self *Source) terminate() {
	self.state = StateTerminating
	self.cookieState.EndRefresh(self, false)
	self.disconnect()
	if self.task != nil {
		self.runQueue.Remove(self.task)
	}
}

// schedule maps a tick result onto the run queue.
func (self *Source) schedule(result TickResult) {
	if self.task == nil {
		return
	}
	switch result {
	case TickRepoll:
		self.runQueue.Resched(self.task, false)
	case TickTimeout:
		self.runQueue.Resched(self.task, false)
	case TickOk:
		if self.persisting() && self.conn != nil {
			self.runQueue.Resched(self.task, false)
		} else {
			self.runQueue.ReschedInterval(self.task, self.config.Interval)
		}
	case TickBusy, TickPaused:
		// woken by the refresher
	case TickShutdown, TickError:
		// already off the queue or rescheduled by backoff
	}
}
