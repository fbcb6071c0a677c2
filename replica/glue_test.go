package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBuildGlueAncestors(t *testing.T) {
	dir, _ := testTree(t)

	err := BuildGlueAncestors(dir, "cn=x,ou=b,ou=a,dc=example,dc=com", &DirContext{})
	assert.Equal(t, nil, err)

	for _, dn := range []string{"ou=a,dc=example,dc=com", "ou=b,ou=a,dc=example,dc=com"} {
		glue, err := dir.FetchEntry(dn)
		assert.Equal(t, nil, err)
		assert.Equal(t, []string{"top", "glue"}, glue.Attr(AttrObjectClass).Values)
		assert.Equal(t, "glue", glue.First(AttrStructuralObjectClass))
		assert.NotEqual(t, "", glue.First(AttrEntryUUID))
	}

	// the target itself is not materialized
	_, err = dir.FetchEntry("cn=x,ou=b,ou=a,dc=example,dc=com")
	assert.Equal(t, true, IsNoSuchObject(err))

	// idempotent against already existing ancestors
	err = BuildGlueAncestors(dir, "cn=y,ou=b,ou=a,dc=example,dc=com", &DirContext{})
	assert.Equal(t, nil, err)
}

func TestGlueEntryCarriesRDN(t *testing.T) {
	glue := GlueEntry("ou=gap,dc=example,dc=com")
	assert.Equal(t, []string{"gap"}, glue.Attr("ou").Values)
	assert.NotEqual(t, UUID{}, glue.UUID)
}

func TestGlueStopsAtSuffix(t *testing.T) {
	dir := NewMemoryDirectory("dc=example,dc=com")
	// even the suffix entry is missing; glue materializes it but walks no
	// higher
	err := BuildGlueAncestors(dir, "cn=x,dc=example,dc=com", &DirContext{})
	assert.Equal(t, nil, err)

	_, err = dir.FetchEntry("dc=example,dc=com")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, dir.Len())
}
