package replica

import (
	"fmt"
)

// BuildGlueAncestors walks the parent chain of dn and inserts placeholder
// glue entries for every missing ancestor above the database suffix, so an
// out-of-order add can land. Glue is locally originated and never
// replicated back out.
func BuildGlueAncestors(dir DirectoryOps, dn string, dctx *DirContext) error {
	nsuffix := RequireNormalizeDN(dir.Suffix())

	// collect missing ancestors bottom-up
	missing := []string{}
	_, parent := SplitDN(dn)
	for parent != "" {
		nparent, err := NormalizeDN(parent)
		if err != nil {
			return fmt.Errorf("%w: bad ancestor %q", ErrProtocol, parent)
		}
		if !DNWithinSuffix(nparent, nsuffix) {
			break
		}
		if _, err := dir.FetchEntry(parent); err == nil {
			break
		} else if !IsNoSuchObject(err) {
			return err
		}
		missing = append(missing, parent)
		if nparent == nsuffix {
			break
		}
		_, parent = SplitDN(parent)
	}

	// insert top-down
	for i := len(missing) - 1; 0 <= i; i -= 1 {
		glue := GlueEntry(missing[i])
		glueCtx := &DirContext{
			NonReplicated: true,
			IgnoreSchema:  true,
			Timestamp:     dctx.Time(),
		}
		err := dir.Add(glueCtx, glue)
		if err != nil && !IsAlreadyExists(err) {
			return err
		}
	}
	return nil
}

func GlueEntry(dn string) *Entry {
	rdnAttr, rdnValue := RDNAttr(dn)
	entry := &Entry{
		DN:   dn,
		NDN:  RequireNormalizeDN(dn),
		UUID: NewUUID(),
		Attrs: []Attribute{
			{Desc: AttrObjectClass, Values: []string{"top", "glue"}},
			{Desc: AttrStructuralObjectClass, Values: []string{"glue"}},
		},
	}
	if rdnAttr != "" {
		entry.SetAttr(rdnAttr, rdnValue)
	}
	return entry
}

// GlueConversionMods turns a non-leaf entry into glue in place: the delete
// that could not proceed becomes a structural demotion stamped with the
// incoming change stamp.
func GlueConversionMods(stamp CSN) []Modification {
	mods := []Modification{
		{Op: ModReplace, Attr: AttrObjectClass, Values: []string{"top", "glue"}},
		{Op: ModReplace, Attr: AttrStructuralObjectClass, Values: []string{"glue"}},
	}
	if stamp != "" {
		mods = append(mods, Modification{Op: ModReplace, Attr: AttrEntryCSN, Values: []string{string(stamp)}})
	}
	return mods
}
