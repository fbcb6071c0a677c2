package replica

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// NonPresentEntry records a locally present entry the provider did not
// announce during the present phase.
type NonPresentEntry struct {
	DN  string
	NDN string
}

// CollectNonPresent walks the local subtree under the source's view and
// splits it against the present set: announced entries leave the set,
// unannounced ones are returned for deletion. In multi-master mode entries
// stamped past the received horizon are excluded, so races with concurrent
// local adds stay out of the delete list.
func (self *Applier) CollectNonPresent(presentSet *PresentSet, baseDN string, scope Scope, filter string, multiMaster bool, maxStamp CSN) ([]NonPresentEntry, error) {
	searchFilter := filter
	if searchFilter == "" {
		searchFilter = "(objectClass=*)"
	}
	if multiMaster && maxStamp != "" {
		searchFilter = fmt.Sprintf("(&%s(%s<=%s))", searchFilter, AttrEntryCSN, maxStamp)
	}

	nonPresent := []NonPresentEntry{}
	request := &SearchRequest{
		BaseDN: baseDN,
		Scope:  scope,
		Filter: searchFilter,
		Attrs:  []string{AttrEntryUUID, AttrEntryCSN},
	}
	err := self.dir.Search(&DirContext{}, request, func(entry *Entry) error {
		uuidStr := entry.First(AttrEntryUUID)
		if uuidStr == "" {
			return nil
		}
		uuid, perr := ParseUUID(uuidStr)
		if perr != nil {
			return nil
		}
		if presentSet.Find(uuid) {
			presentSet.Delete(uuid)
			return nil
		}
		nonPresent = append(nonPresent, NonPresentEntry{DN: entry.DN, NDN: entry.NDN})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nonPresent, nil
}

// DeleteStampFor picks the stamp non-present deletions carry: the cookie's
// delete stamp when supplied, else the component for the advertising sid,
// else the first component.
func DeleteStampFor(cookie *Cookie) CSN {
	if cookie == nil {
		return ""
	}
	if cookie.DeleteCSN != "" {
		return cookie.DeleteCSN
	}
	if cookie.Sid != NoSid {
		if csn, ok := cookie.Ctx.Get(cookie.Sid); ok {
			return csn
		}
	}
	for i, sid := range cookie.Ctx.Sids {
		if sid != NoSid {
			return cookie.Ctx.Csns[i]
		}
	}
	return ""
}

// DrainNonPresent deletes the collected entries deepest-first, demoting
// non-leaf deletions to glue.
func (self *Applier) DrainNonPresent(nonPresent []NonPresentEntry, stamp CSN) error {
	slices.SortFunc(nonPresent, func(a NonPresentEntry, b NonPresentEntry) int {
		da := strings.Count(a.NDN, ",")
		db := strings.Count(b.NDN, ",")
		if da != db {
			// deeper first
			return db - da
		}
		return strings.Compare(a.NDN, b.NDN)
	})
	for _, target := range nonPresent {
		if err := self.DeleteOrGlue(target.DN, stamp); err != nil {
			return err
		}
	}
	return nil
}
