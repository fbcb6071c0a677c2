package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCollectNonPresent(t *testing.T) {
	dir, applier := testTree(t)
	kept := testUUID(1)
	doomed := testUUID(2)
	addTestEntry(t, dir, "cn=kept,dc=example,dc=com", kept, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"kept"}})
	addTestEntry(t, dir, "cn=doomed,dc=example,dc=com", doomed, testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"doomed"}})

	set := NewPresentSet()
	set.Insert(kept)

	nonPresent, err := applier.CollectNonPresent(set, "dc=example,dc=com", ScopeSub,
		"(objectClass=person)", false, "")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(nonPresent))
	assert.Equal(t, "cn=doomed,dc=example,dc=com", nonPresent[0].DN)
	// matched entries leave the set
	assert.Equal(t, 0, set.Len())

	assert.Equal(t, nil, applier.DrainNonPresent(nonPresent, testCSN(2, 1)))
	_, err = dir.FetchEntry("cn=doomed,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))
	_, err = dir.FetchEntry("cn=kept,dc=example,dc=com")
	assert.Equal(t, nil, err)
}

func TestCollectNonPresentMultiMasterHorizon(t *testing.T) {
	dir, applier := testTree(t)
	racing := testUUID(3)
	// stamped past the received horizon: a concurrent local add
	addTestEntry(t, dir, "cn=racing,dc=example,dc=com", racing, testCSN(9, 1),
		Attribute{Desc: "cn", Values: []string{"racing"}})

	set := NewPresentSet()
	nonPresent, err := applier.CollectNonPresent(set, "dc=example,dc=com", ScopeSub,
		"(objectClass=person)", true, testCSN(5, 1))
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(nonPresent))
}

func TestDrainNonPresentDeepestFirst(t *testing.T) {
	dir, applier := testTree(t)
	addTestEntry(t, dir, "ou=tree,dc=example,dc=com", testUUID(1), testCSN(1, 1),
		Attribute{Desc: "ou", Values: []string{"tree"}},
		Attribute{Desc: AttrObjectClass, Values: []string{"top", "organizationalUnit"}})
	addTestEntry(t, dir, "cn=leaf,ou=tree,dc=example,dc=com", testUUID(2), testCSN(1, 1),
		Attribute{Desc: "cn", Values: []string{"leaf"}})

	nonPresent := []NonPresentEntry{
		{DN: "ou=tree,dc=example,dc=com", NDN: "ou=tree,dc=example,dc=com"},
		{DN: "cn=leaf,ou=tree,dc=example,dc=com", NDN: "cn=leaf,ou=tree,dc=example,dc=com"},
	}
	assert.Equal(t, nil, applier.DrainNonPresent(nonPresent, testCSN(2, 1)))

	_, err := dir.FetchEntry("cn=leaf,ou=tree,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))
	_, err = dir.FetchEntry("ou=tree,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))
}

func TestDeleteStampFor(t *testing.T) {
	cookie := NewCookie(1, 2)
	cookie.Ctx.Set(1, testCSN(1, 1))
	cookie.Ctx.Set(2, testCSN(2, 2))

	// the advertising sid's component
	assert.Equal(t, testCSN(2, 2), DeleteStampFor(cookie))

	// an explicit delete stamp wins
	cookie.DeleteCSN = testCSN(9, 2)
	assert.Equal(t, testCSN(9, 2), DeleteStampFor(cookie))

	// no sid falls back to the first component
	anonymous := NewCookie(1, NoSid)
	anonymous.Ctx.Set(3, testCSN(3, 3))
	assert.Equal(t, testCSN(3, 3), DeleteStampFor(anonymous))

	assert.Equal(t, CSN(""), DeleteStampFor(nil))
}
