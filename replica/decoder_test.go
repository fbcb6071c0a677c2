package replica

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testDecoder() *Decoder {
	decoder := NewDecoder("dc=example,dc=com")
	decoder.SingleValued["mail"] = true
	return decoder
}

func TestDecodePlainEntry(t *testing.T) {
	decoder := testDecoder()
	uuid := NewUUID()

	message, err := decoder.DecodeEntry(
		"cn=Test User,dc=example,dc=com",
		[]Attribute{
			{Desc: "cn", Values: []string{"Test User"}},
			{Desc: "mail", Values: []string{"test@example.com"}},
		},
		SyncAdd, uuid, nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, SyncAdd, message.State)
	assert.Equal(t, uuid, message.UUID)
	assert.Equal(t, "cn=test user,dc=example,dc=com", message.Entry.NDN)
	assert.Equal(t, 2, len(message.Mods))
	assert.Equal(t, ModReplace, message.Mods[0].Op)
	// known single-valued descriptors carry the hint through
	assert.Equal(t, true, message.Mods[1].SingleValued)
}

func TestDecodePlainEntryRewritesDNValues(t *testing.T) {
	decoder := testDecoder()
	decoder.Rewriter = SuffixMassageRewriter("dc=remote,dc=net", "dc=example,dc=com")

	message, err := decoder.DecodeEntry(
		"cn=group,ou=groups,dc=remote,dc=net",
		[]Attribute{
			{Desc: "member", Values: []string{"cn=a,dc=remote,dc=net"}},
			{Desc: "description", Values: []string{"dc=remote,dc=net stays"}},
		},
		SyncModify, NewUUID(), nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, "cn=group,ou=groups,dc=example,dc=com", message.Entry.DN)
	assert.Equal(t, []string{"cn=a,dc=example,dc=com"}, message.Entry.Attr("member").Values)
	// non-DN syntax values pass through untouched
	assert.Equal(t, []string{"dc=remote,dc=net stays"}, message.Entry.Attr("description").Values)
}

func TestDecodePlainEntryDropsContextCSN(t *testing.T) {
	decoder := testDecoder()

	message, err := decoder.DecodeEntry(
		"dc=example,dc=com",
		[]Attribute{
			{Desc: "dc", Values: []string{"example"}},
			{Desc: AttrContextCSN, Values: []string{string(testCSN(1, 1))}},
		},
		SyncModify, NewUUID(), nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, message.Entry.Attr(AttrContextCSN))
}

func testLogRecord(extra ...Attribute) *Entry {
	attrs := []Attribute{
		{Desc: logAttrTargetDN, Values: []string{"cn=test,dc=example,dc=com"}},
		{Desc: logAttrType, Values: []string{"modify"}},
		{Desc: AttrEntryCSN, Values: []string{string(testCSN(4, 1))}},
		{Desc: logAttrEntryUUID, Values: []string{testUUID(7).String()}},
	}
	return &Entry{
		DN:    "reqStart=20240101000000.000000Z,cn=log",
		Attrs: append(attrs, extra...),
	}
}

func TestDecodeAccessLogModify(t *testing.T) {
	decoder := testDecoder()
	record := testLogRecord(Attribute{Desc: logAttrMod, Values: []string{
		"description:+ first",
		"description:+ second",
		"cn:= test",
		"seeAlso:-",
		"counter:# 1",
	}})

	op, err := decoder.DecodeAccessLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeModify, op.ChangeType)
	assert.Equal(t, testCSN(4, 1), op.Stamp)
	assert.Equal(t, testUUID(7), op.UUID)
	assert.Equal(t, 4, len(op.Mods))
	assert.Equal(t, ModAdd, op.Mods[0].Op)
	assert.Equal(t, []string{"first", "second"}, op.Mods[0].Values)
	assert.Equal(t, ModReplace, op.Mods[1].Op)
	assert.Equal(t, ModDelete, op.Mods[2].Op)
	assert.Equal(t, 0, len(op.Mods[2].Values))
	assert.Equal(t, ModIncrement, op.Mods[3].Op)
}

func TestDecodeAccessLogSingleValuedDemotion(t *testing.T) {
	decoder := testDecoder()
	record := testLogRecord(Attribute{Desc: logAttrMod, Values: []string{
		"mail:+ x@example.com",
		"mail:- y@example.com",
	}})

	op, err := decoder.DecodeAccessLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(op.Mods))
	// adds become replaces, deletes become soft deletes
	assert.Equal(t, ModReplace, op.Mods[0].Op)
	assert.Equal(t, ModSoftDelete, op.Mods[1].Op)
}

func TestDecodeAccessLogGrouping(t *testing.T) {
	decoder := testDecoder()
	record := testLogRecord(Attribute{Desc: logAttrMod, Values: []string{
		"description:+ one",
		":",
		"description:+ two",
	}})

	op, err := decoder.DecodeAccessLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(op.Mods))
}

func TestDecodeAccessLogIgnoresDynamicAttrs(t *testing.T) {
	decoder := testDecoder()
	record := testLogRecord(Attribute{Desc: logAttrMod, Values: []string{
		"memberOf:+ cn=group,dc=example,dc=com",
		"entryDN:= cn=test,dc=example,dc=com",
		"description:+ kept",
	}})

	op, err := decoder.DecodeAccessLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(op.Mods))
	assert.Equal(t, "description", op.Mods[0].Attr)
}

func TestDecodeAccessLogRelaxControl(t *testing.T) {
	decoder := testDecoder()
	record := testLogRecord(Attribute{Desc: logAttrControls, Values: []string{
		"{0}{" + relaxControlOID + "}",
	}})

	op, err := decoder.DecodeAccessLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, op.Relax)
}

func TestDecodeAccessLogModRDN(t *testing.T) {
	decoder := testDecoder()
	record := &Entry{
		DN: "reqStart=x,cn=log",
		Attrs: []Attribute{
			{Desc: logAttrTargetDN, Values: []string{"cn=old,dc=example,dc=com"}},
			{Desc: logAttrType, Values: []string{"modrdn"}},
			{Desc: AttrEntryCSN, Values: []string{string(testCSN(5, 1))}},
			{Desc: logAttrNewRDN, Values: []string{"cn=new"}},
			{Desc: logAttrDeleteOldRDN, Values: []string{"TRUE"}},
		},
	}

	op, err := decoder.DecodeAccessLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeModRDN, op.ChangeType)
	assert.Equal(t, "cn=new", op.NewRDN)
	assert.Equal(t, true, op.DeleteOldRDN)
}

func TestDecodeChangeLogRecord(t *testing.T) {
	decoder := testDecoder()
	record := &Entry{
		DN: "changeNumber=42,cn=changelog",
		Attrs: []Attribute{
			{Desc: clAttrTargetDN, Values: []string{"cn=test,dc=example,dc=com"}},
			{Desc: clAttrChangeType, Values: []string{"modify"}},
			{Desc: clAttrChangeNumber, Values: []string{"42"}},
			{Desc: clAttrUniqueID, Values: []string{"aaaaaaaa:aaaa:aaaa:aaaa:aaaaaaaaaaaa"}},
			{Desc: clAttrChanges, Values: []string{
				"replace: description\ndescription: new value\n-\nadd: sn\nsn: added\n-\n",
			}},
		},
	}

	op, err := decoder.DecodeChangeLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeModify, op.ChangeType)
	assert.Equal(t, int64(42), op.ChangeNumber)
	assert.Equal(t, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", op.UUID.String())
	assert.Equal(t, 2, len(op.Mods))
	assert.Equal(t, ModReplace, op.Mods[0].Op)
	assert.Equal(t, []string{"new value"}, op.Mods[0].Values)
	assert.Equal(t, ModAdd, op.Mods[1].Op)
}

func TestDecodeChangeLogAdd(t *testing.T) {
	decoder := testDecoder()
	record := &Entry{
		DN: "changeNumber=43,cn=changelog",
		Attrs: []Attribute{
			{Desc: clAttrTargetDN, Values: []string{"cn=new,dc=example,dc=com"}},
			{Desc: clAttrChangeType, Values: []string{"add"}},
			{Desc: clAttrChangeNumber, Values: []string{"43"}},
			{Desc: clAttrChanges, Values: []string{
				"objectClass: person\ncn: new\nsn: entry\n",
			}},
		},
	}

	op, err := decoder.DecodeChangeLogRecord(record, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeAdd, op.ChangeType)
	assert.Equal(t, 3, len(op.Mods))
}

func TestDecodeDirSyncEntry(t *testing.T) {
	decoder := testDecoder()
	uuid := NewUUID()

	// deletion marker wins
	op, err := decoder.DecodeDirSyncEntry("cn=gone,dc=example,dc=com",
		[]Attribute{{Desc: "isDeleted", Values: []string{"TRUE"}}}, uuid, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeDelete, op.ChangeType)

	// whenCreated present means add, with a synthesized createTimestamp
	op, err = decoder.DecodeDirSyncEntry("cn=new,dc=example,dc=com",
		[]Attribute{
			{Desc: "cn", Values: []string{"new"}},
			{Desc: "whenCreated", Values: []string{"20240101000000.0Z"}},
		}, uuid, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeAdd, op.ChangeType)
	found := false
	for _, mod := range op.Mods {
		if mod.Attr == AttrCreateTimestamp {
			found = true
		}
	}
	assert.Equal(t, true, found)

	// incremental markers become soft ops
	op, err = decoder.DecodeDirSyncEntry("cn=grp,dc=example,dc=com",
		[]Attribute{
			{Desc: "member;range=1-1", Values: []string{"cn=added,dc=example,dc=com"}},
			{Desc: "member;range=0-0", Values: []string{"cn=removed,dc=example,dc=com"}},
		}, uuid, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, ChangeModify, op.ChangeType)
	assert.Equal(t, ModSoftAdd, op.Mods[0].Op)
	assert.Equal(t, ModSoftDelete, op.Mods[1].Op)
}
