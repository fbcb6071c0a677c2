package sqlitedir

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/openmirror/ldsync/replica"
)

func testStore(t *testing.T) *Store {
	store, err := Open(filepath.Join(t.TempDir(), "dir.db"), "dc=example,dc=com")
	assert.Equal(t, nil, err)
	t.Cleanup(func() {
		store.Close()
	})

	root := &replica.Entry{
		DN:   "dc=example,dc=com",
		NDN:  "dc=example,dc=com",
		UUID: replica.NewUUID(),
		Attrs: []replica.Attribute{
			{Desc: replica.AttrObjectClass, Values: []string{"top", "domain"}},
			{Desc: "dc", Values: []string{"example"}},
		},
	}
	assert.Equal(t, nil, store.Add(&replica.DirContext{}, root))
	return store
}

func addStoreEntry(t *testing.T, store *Store, dn string, attrs ...replica.Attribute) replica.UUID {
	uuid := replica.NewUUID()
	entry := &replica.Entry{
		DN:    dn,
		NDN:   replica.RequireNormalizeDN(dn),
		UUID:  uuid,
		Attrs: attrs,
	}
	assert.Equal(t, nil, store.Add(&replica.DirContext{QueuedCSN: "20240101000000.000001Z#000000#001#000000"}, entry))
	return uuid
}

func TestStoreAddFetch(t *testing.T) {
	store := testStore(t)
	uuid := addStoreEntry(t, store, "cn=one,dc=example,dc=com",
		replica.Attribute{Desc: "cn", Values: []string{"one"}},
		replica.Attribute{Desc: replica.AttrObjectClass, Values: []string{"top", "person"}})

	entry, err := store.FetchEntry("CN=One,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, "cn=one,dc=example,dc=com", entry.NDN)
	assert.Equal(t, uuid.String(), entry.First(replica.AttrEntryUUID))
	assert.Equal(t, []string{"one"}, entry.Attr("cn").Values)

	err = store.Add(&replica.DirContext{}, &replica.Entry{DN: "cn=one,dc=example,dc=com"})
	assert.Equal(t, true, replica.IsAlreadyExists(err))

	err = store.Add(&replica.DirContext{}, &replica.Entry{DN: "cn=x,ou=gone,dc=example,dc=com"})
	assert.Equal(t, true, replica.IsNoSuchObject(err))
}

func TestStoreModify(t *testing.T) {
	store := testStore(t)
	addStoreEntry(t, store, "cn=m,dc=example,dc=com",
		replica.Attribute{Desc: "cn", Values: []string{"m"}})

	mods := []replica.Modification{
		{Op: replica.ModAdd, Attr: "description", Values: []string{"stored"}},
	}
	assert.Equal(t, nil, store.Modify(&replica.DirContext{}, "cn=m,dc=example,dc=com", mods))

	entry, err := store.FetchEntry("cn=m,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"stored"}, entry.Attr("description").Values)
}

func TestStoreSearchAndScopes(t *testing.T) {
	store := testStore(t)
	addStoreEntry(t, store, "ou=people,dc=example,dc=com",
		replica.Attribute{Desc: "ou", Values: []string{"people"}},
		replica.Attribute{Desc: replica.AttrObjectClass, Values: []string{"top", "organizationalUnit"}})
	addStoreEntry(t, store, "cn=u1,ou=people,dc=example,dc=com",
		replica.Attribute{Desc: "cn", Values: []string{"u1"}},
		replica.Attribute{Desc: replica.AttrObjectClass, Values: []string{"top", "person"}})

	count := func(scope replica.Scope, base string, filter string) int {
		n := 0
		err := store.Search(&replica.DirContext{}, &replica.SearchRequest{
			BaseDN: base, Scope: scope, Filter: filter,
		}, func(*replica.Entry) error {
			n += 1
			return nil
		})
		assert.Equal(t, nil, err)
		return n
	}

	assert.Equal(t, 3, count(replica.ScopeSub, "dc=example,dc=com", ""))
	assert.Equal(t, 1, count(replica.ScopeOne, "dc=example,dc=com", ""))
	assert.Equal(t, 1, count(replica.ScopeBase, "dc=example,dc=com", ""))
	assert.Equal(t, 1, count(replica.ScopeSub, "dc=example,dc=com", "(objectClass=person)"))
	assert.Equal(t, 3, count(replica.ScopeSub, "dc=example,dc=com", "(entryUUID=*)"))
}

func TestStoreDeleteAndNonLeaf(t *testing.T) {
	store := testStore(t)
	addStoreEntry(t, store, "ou=x,dc=example,dc=com",
		replica.Attribute{Desc: "ou", Values: []string{"x"}})
	addStoreEntry(t, store, "cn=c,ou=x,dc=example,dc=com",
		replica.Attribute{Desc: "cn", Values: []string{"c"}})

	err := store.Delete(&replica.DirContext{}, "ou=x,dc=example,dc=com")
	assert.Equal(t, true, replica.IsNonLeaf(err))

	assert.Equal(t, nil, store.Delete(&replica.DirContext{}, "cn=c,ou=x,dc=example,dc=com"))
	assert.Equal(t, nil, store.Delete(&replica.DirContext{}, "ou=x,dc=example,dc=com"))

	err = store.Delete(&replica.DirContext{}, "ou=x,dc=example,dc=com")
	assert.Equal(t, true, replica.IsNoSuchObject(err))
}

func TestStoreModifyDN(t *testing.T) {
	store := testStore(t)
	addStoreEntry(t, store, "cn=old,dc=example,dc=com",
		replica.Attribute{Desc: "cn", Values: []string{"old"}})

	assert.Equal(t, nil, store.ModifyDN(&replica.DirContext{}, "cn=old,dc=example,dc=com",
		"cn=new", true, ""))

	entry, err := store.FetchEntry("cn=new,dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"new"}, entry.Attr("cn").Values)

	_, err = store.FetchEntry("cn=old,dc=example,dc=com")
	assert.Equal(t, true, replica.IsNoSuchObject(err))
}

// the engine runs unmodified against the sqlite store
func TestStoreBehindCookieState(t *testing.T) {
	store := testStore(t)
	state := replica.NewCookieState(store, "dc=example,dc=com", false, replica.NewShutdownLatch())

	cookie := replica.NewCookie(1, replica.NoSid)
	cookie.Ctx.Set(1, "20240101000000.000002Z#000000#001#000000")
	changed, err := state.CommitAndPersist(cookie)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, changed)

	entry, err := store.FetchEntry("dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"20240101000000.000002Z#000000#001#000000"},
		entry.Attr(replica.AttrContextCSN).Values)
}
