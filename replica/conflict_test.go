package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestNeedsResolution(t *testing.T) {
	assert.Equal(t, true, NeedsResolution(testCSN(1, 1), testCSN(2, 1)))
	assert.Equal(t, false, NeedsResolution(testCSN(2, 1), testCSN(2, 1)))
	assert.Equal(t, false, NeedsResolution(testCSN(3, 1), testCSN(2, 1)))
	assert.Equal(t, false, NeedsResolution(testCSN(3, 1), ""))
}

// S5: stale "delete all mail; add mail=x" against a newer "add mail=y" on a
// single-valued attribute
func TestReconcileOutOfOrderModify(t *testing.T) {
	current := diffEntry(
		Attribute{Desc: "mail", Values: []string{"old@example.com", "y@example.com"}},
	)
	incoming := []Modification{
		{Op: ModDelete, Attr: "mail"},
		{Op: ModAdd, Attr: "mail", Values: []string{"x@example.com"}, SingleValued: true},
	}
	newer := []Modification{
		{Op: ModAdd, Attr: "mail", Values: []string{"y@example.com"}, SingleValued: true},
	}

	resolved := ReconcileMods(incoming, newer, current)
	assert.Equal(t, 1, len(resolved))

	// the delete-all became a delete of the current values minus y, and
	// survived demoted to a soft delete
	assert.Equal(t, ModSoftDelete, resolved[0].Op)
	assert.Equal(t, []string{"old@example.com"}, resolved[0].Values)
}

func TestReconcileNewerDeleteAll(t *testing.T) {
	current := diffEntry(Attribute{Desc: "description", Values: []string{"kept"}})

	// stale delete against a newer delete-all drops
	resolved := ReconcileMods(
		[]Modification{{Op: ModDelete, Attr: "description", Values: []string{"x"}}},
		[]Modification{{Op: ModDelete, Attr: "description"}},
		current,
	)
	assert.Equal(t, 0, len(resolved))

	// stale add against a newer delete-all becomes a cleanup of the
	// remaining current values
	resolved = ReconcileMods(
		[]Modification{{Op: ModAdd, Attr: "description", Values: []string{"x"}}},
		[]Modification{{Op: ModDelete, Attr: "description"}},
		current,
	)
	assert.Equal(t, 1, len(resolved))
	assert.Equal(t, ModSoftDelete, resolved[0].Op)
	assert.Equal(t, []string{"kept"}, resolved[0].Values)
}

func TestReconcileDeleteAgainstDelete(t *testing.T) {
	resolved := ReconcileMods(
		[]Modification{{Op: ModDelete, Attr: "member", Values: []string{"cn=a", "cn=b"}}},
		[]Modification{{Op: ModDelete, Attr: "member", Values: []string{"cn=a"}}},
		nil,
	)
	assert.Equal(t, 1, len(resolved))
	assert.Equal(t, []string{"cn=b"}, resolved[0].Values)
}

func TestReconcileDuplicateAdd(t *testing.T) {
	resolved := ReconcileMods(
		[]Modification{{Op: ModAdd, Attr: "member", Values: []string{"cn=a", "cn=b"}}},
		[]Modification{{Op: ModAdd, Attr: "member", Values: []string{"cn=a"}}},
		nil,
	)
	assert.Equal(t, 1, len(resolved))
	assert.Equal(t, []string{"cn=b"}, resolved[0].Values)

	// single-valued drops outright
	resolved = ReconcileMods(
		[]Modification{{Op: ModAdd, Attr: "mail", Values: []string{"x"}, SingleValued: true}},
		[]Modification{{Op: ModAdd, Attr: "mail", Values: []string{"y"}, SingleValued: true}},
		nil,
	)
	assert.Equal(t, 0, len(resolved))
}

func TestReconcileAddAgainstDelete(t *testing.T) {
	// newer add re-established what the stale delete names
	resolved := ReconcileMods(
		[]Modification{{Op: ModDelete, Attr: "member", Values: []string{"cn=a"}}},
		[]Modification{{Op: ModAdd, Attr: "member", Values: []string{"cn=a"}}},
		nil,
	)
	assert.Equal(t, 0, len(resolved))
}

func TestReconcileReplaceAsDeleteAllThenAdd(t *testing.T) {
	current := diffEntry(Attribute{Desc: "title", Values: []string{"new title"}})

	// a newer replace supersedes a stale add entirely
	resolved := ReconcileMods(
		[]Modification{{Op: ModAdd, Attr: "title", Values: []string{"stale"}}},
		[]Modification{{Op: ModReplace, Attr: "title", Values: []string{"new title"}}},
		current,
	)
	assert.Equal(t, 0, len(resolved))
}

func TestReconcileUntouchedAttr(t *testing.T) {
	resolved := ReconcileMods(
		[]Modification{{Op: ModAdd, Attr: "sn", Values: []string{"x"}}},
		[]Modification{{Op: ModDelete, Attr: "cn"}},
		nil,
	)
	assert.Equal(t, 1, len(resolved))
	assert.Equal(t, ModAdd, resolved[0].Op)
}

func TestReconcileDemotions(t *testing.T) {
	resolved := ReconcileMods(
		[]Modification{
			{Op: ModDelete, Attr: "member", Values: []string{"cn=a"}},
			{Op: ModAdd, Attr: "mail", Values: []string{"x"}, SingleValued: true},
		},
		nil,
		nil,
	)
	assert.Equal(t, 2, len(resolved))
	assert.Equal(t, ModSoftDelete, resolved[0].Op)
	assert.Equal(t, ModReplace, resolved[1].Op)
}
