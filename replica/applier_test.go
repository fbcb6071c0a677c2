package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testTree(t *testing.T) (*MemoryDirectory, *Applier) {
	dir := NewMemoryDirectory("dc=example,dc=com")
	root := &Entry{
		DN:   "dc=example,dc=com",
		UUID: NewUUID(),
		Attrs: []Attribute{
			{Desc: AttrObjectClass, Values: []string{"top", "domain"}},
			{Desc: "dc", Values: []string{"example"}},
		},
	}
	assert.Equal(t, nil, dir.Add(&DirContext{}, root))
	return dir, NewApplier(dir, "dc=example,dc=com", nil)
}

func addTestEntry(t *testing.T, dir *MemoryDirectory, dn string, uuid UUID, csn CSN, attrs ...Attribute) {
	entry := &Entry{
		DN:    dn,
		UUID:  uuid,
		Attrs: attrs,
	}
	if entry.Attr(AttrObjectClass) == nil {
		entry.SetAttr(AttrObjectClass, "top", "person")
	}
	assert.Equal(t, nil, dir.Add(&DirContext{QueuedCSN: csn}, entry))
}

func entryMessage(dn string, state SyncState, uuid UUID, csn CSN, attrs ...Attribute) *EntryMessage {
	entry := &Entry{
		DN:    dn,
		NDN:   RequireNormalizeDN(dn),
		UUID:  uuid,
		Attrs: attrs,
	}
	if csn != "" {
		entry.SetAttr(AttrEntryCSN, string(csn))
	}
	return &EntryMessage{
		Entry: entry,
		State: state,
		UUID:  uuid,
	}
}

func TestApplyAdd(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)

	message := entryMessage("cn=new,dc=example,dc=com", SyncAdd, uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"new"}},
		Attribute{Desc: AttrObjectClass, Values: []string{"top", "person"}},
	)
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	entry, err := dir.FetchEntry("cn=new,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, uuid.String(), entry.First(AttrEntryUUID))
	assert.Equal(t, string(testCSN(1, 1)), entry.First(AttrEntryCSN))
}

func TestApplyAddStampWins(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)
	other := testUUID(2)
	addTestEntry(t, dir, "cn=dup,dc=example,dc=com", other, testCSN(5, 1),
		Attribute{Desc: "cn", Values: []string{"dup"}})

	// older twin arriving under a different uuid is silently a success
	message := entryMessage("cn=dup,dc=example,dc=com", SyncAdd, uuid, testCSN(3, 1),
		Attribute{Desc: "cn", Values: []string{"dup"}})
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	entry, err := dir.FetchEntry("cn=dup,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, string(testCSN(5, 1)), entry.First(AttrEntryCSN))
}

func TestApplyAddBuildsGlue(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)

	// the parent ou does not exist; refresh heals it with glue
	message := entryMessage("cn=deep,ou=missing,dc=example,dc=com", SyncAdd, uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"deep"}},
		Attribute{Desc: AttrObjectClass, Values: []string{"top", "person"}},
	)
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	glue, err := dir.FetchEntry("ou=missing,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"top", "glue"}, glue.Attr(AttrObjectClass).Values)
	assert.Equal(t, "glue", glue.First(AttrStructuralObjectClass))

	_, err = dir.FetchEntry("cn=deep,ou=missing,dc=example,dc=com")
	assert.Equal(t, nil, err)
}

func TestApplyAddNoGlueInPersist(t *testing.T) {
	_, applier := testTree(t)
	uuid := testUUID(1)

	message := entryMessage("cn=deep,ou=missing,dc=example,dc=com", SyncAdd, uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"deep"}})
	err := applier.ApplyEntry(message, NewContextVector(), nil, true)
	assert.Equal(t, true, IsNoSuchObject(err))
}

func TestApplyModify(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)
	addTestEntry(t, dir, "cn=mod,dc=example,dc=com", uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"mod"}},
		Attribute{Desc: "description", Values: []string{"before"}})

	message := entryMessage("cn=mod,dc=example,dc=com", SyncModify, uuid, testCSN(2, 1),
		Attribute{Desc: "cn", Values: []string{"mod"}},
		Attribute{Desc: AttrObjectClass, Values: []string{"top", "person"}},
		Attribute{Desc: "description", Values: []string{"after"}})
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	entry, err := dir.FetchEntry("cn=mod,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"after"}, entry.Attr("description").Values)
}

func TestApplyRename(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)
	addTestEntry(t, dir, "cn=before,dc=example,dc=com", uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"before"}})

	message := entryMessage("cn=after,dc=example,dc=com", SyncModify, uuid, testCSN(2, 1),
		Attribute{Desc: "cn", Values: []string{"after"}},
		Attribute{Desc: AttrObjectClass, Values: []string{"top", "person"}},
		Attribute{Desc: "description", Values: []string{"moved"}})
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	_, err := dir.FetchEntry("cn=before,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))

	entry, err := dir.FetchEntry("cn=after,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, uuid.String(), entry.First(AttrEntryUUID))
	assert.Equal(t, []string{"after"}, entry.Attr("cn").Values)
	assert.Equal(t, []string{"moved"}, entry.Attr("description").Values)
}

func TestApplyDelete(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)
	addTestEntry(t, dir, "cn=gone,dc=example,dc=com", uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"gone"}})

	message := &EntryMessage{State: SyncDelete, UUID: uuid}
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	_, err := dir.FetchEntry("cn=gone,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))

	// deleting an absent uuid is a no-op
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))
}

// S6: delete on a non-leaf becomes a glue conversion and the children stay
func TestApplyDeleteNonLeafTurnsGlue(t *testing.T) {
	dir, applier := testTree(t)
	parentUUID := testUUID(1)
	addTestEntry(t, dir, "ou=people,dc=example,dc=com", parentUUID, testCSN(1, 1),
		Attribute{Desc: "ou", Values: []string{"people"}},
		Attribute{Desc: AttrObjectClass, Values: []string{"top", "organizationalUnit"}},
		Attribute{Desc: AttrStructuralObjectClass, Values: []string{"organizationalUnit"}})
	addTestEntry(t, dir, "cn=child,ou=people,dc=example,dc=com", testUUID(2), testCSN(2, 1),
		Attribute{Desc: "cn", Values: []string{"child"}})

	message := &EntryMessage{State: SyncDelete, UUID: parentUUID,
		Cookie: receivedCookie([2]int{3, 1})}
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), nil, false))

	parent, err := dir.FetchEntry("ou=people,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"top", "glue"}, parent.Attr(AttrObjectClass).Values)
	assert.Equal(t, "glue", parent.First(AttrStructuralObjectClass))

	_, err = dir.FetchEntry("cn=child,ou=people,dc=example,dc=com")
	assert.Equal(t, nil, err)
}

func TestApplyPresent(t *testing.T) {
	_, applier := testTree(t)
	set := NewPresentSet()

	message := &EntryMessage{State: SyncPresent, UUID: testUUID(9)}
	assert.Equal(t, nil, applier.ApplyEntry(message, NewContextVector(), set, false))
	assert.Equal(t, true, set.Find(testUUID(9)))
}

func TestApplyDropsCoveredStamp(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)

	committed := testVector([2]int{5, 1})
	message := entryMessage("cn=stale,dc=example,dc=com", SyncAdd, uuid, testCSN(3, 1),
		Attribute{Desc: "cn", Values: []string{"stale"}})
	assert.Equal(t, nil, applier.ApplyEntry(message, committed, nil, false))

	_, err := dir.FetchEntry("cn=stale,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))
}

func TestApplyOpDelta(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)
	addTestEntry(t, dir, "cn=delta,dc=example,dc=com", uuid, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"delta"}})

	op := &OpMessage{
		DN:         "cn=delta,dc=example,dc=com",
		ChangeType: ChangeModify,
		Stamp:      testCSN(2, 1),
		Mods: []Modification{
			{Op: ModAdd, Attr: "description", Values: []string{"delta write"}},
		},
	}
	assert.Equal(t, nil, applier.ApplyOp(op, NewContextVector(), nil, false))

	entry, err := dir.FetchEntry("cn=delta,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"delta write"}, entry.Attr("description").Values)
	assert.Equal(t, string(testCSN(2, 1)), entry.First(AttrEntryCSN))
}

func TestApplyOpDeltaResolvesConflict(t *testing.T) {
	dir, applier := testTree(t)
	uuid := testUUID(1)
	addTestEntry(t, dir, "cn=conf,dc=example,dc=com", uuid, testCSN(5, 1),
		Attribute{Desc: "cn", Values: []string{"conf"}},
		Attribute{Desc: "mail", Values: []string{"y@example.com"}})

	// local log holds the newer modify
	addTestEntry(t, dir, "cn=log,dc=example,dc=com", testUUID(40), "",
		Attribute{Desc: "cn", Values: []string{"log"}})
	addTestEntry(t, dir, "reqStart=20240101,cn=log,dc=example,dc=com", testUUID(50), "",
		Attribute{Desc: AttrObjectClass, Values: []string{"auditModify"}},
		Attribute{Desc: logAttrTargetDN, Values: []string{"cn=conf,dc=example,dc=com"}},
		Attribute{Desc: logAttrType, Values: []string{"modify"}},
		Attribute{Desc: AttrEntryCSN, Values: []string{string(testCSN(5, 1))}},
		Attribute{Desc: logAttrMod, Values: []string{"mail:+ y@example.com"}})

	decoder := testDecoder()
	resolver := NewResolver(dir, "cn=log,dc=example,dc=com", decoder)

	// stale op: delete all mail, add mail=x
	op := &OpMessage{
		DN:         "cn=conf,dc=example,dc=com",
		ChangeType: ChangeModify,
		Stamp:      testCSN(3, 1),
		Mods: []Modification{
			{Op: ModDelete, Attr: "mail"},
			{Op: ModAdd, Attr: "mail", Values: []string{"x@example.com"}, SingleValued: true},
		},
	}
	assert.Equal(t, nil, applier.ApplyOp(op, NewContextVector(), resolver, false))

	entry, err := dir.FetchEntry("cn=conf,dc=example,dc=com")
	assert.Equal(t, nil, err)
	// the newer value survived, the stale one never landed
	assert.Equal(t, []string{"y@example.com"}, entry.Attr("mail").Values)
}
