package replica

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// A change stamp (CSN) is a totally ordered opaque string produced by a
// provider. Ordering is lexicographic on the bytes. The third '#'-separated
// field embeds the serverID as three hex digits:
//
//     20240101000000.000001Z#000000#001#000000
//
// Comparison never needs the serverID; only slot bookkeeping does.
type CSN string

// NoSid is the hole sentinel in sid vectors. Operations skip it.
const NoSid = -1

const MaxSid = 0x0FFF

func (self CSN) Sid() (int, error) {
	parts := strings.SplitN(string(self), "#", 4)
	if len(parts) < 3 {
		return NoSid, fmt.Errorf("%w: malformed csn %q", ErrProtocol, string(self))
	}
	sid, err := strconv.ParseInt(parts[2], 16, 32)
	if err != nil {
		return NoSid, fmt.Errorf("%w: malformed csn sid %q", ErrProtocol, string(self))
	}
	if sid < 0 || MaxSid < sid {
		return NoSid, fmt.Errorf("%w: csn sid out of range %q", ErrProtocol, string(self))
	}
	return int(sid), nil
}

func (self CSN) Compare(other CSN) int {
	return strings.Compare(string(self), string(other))
}

func maxCSN(a CSN, b CSN) CSN {
	if a.Compare(b) < 0 {
		return b
	}
	return a
}

type Ordering int

const (
	OrderLess    Ordering = -1
	OrderEqual   Ordering = 0
	OrderGreater Ordering = 1
)

// ContextVector is an ordered vector of (sid, csn) pairs. Both slices are the
// same length and Sids is strictly ascending apart from NoSid holes; each sid
// appears at most once.
type ContextVector struct {
	Sids []int
	Csns []CSN
}

func NewContextVector() *ContextVector {
	return &ContextVector{}
}

func (self *ContextVector) Len() int {
	return len(self.Sids)
}

func (self *ContextVector) Clone() *ContextVector {
	return &ContextVector{
		Sids: slices.Clone(self.Sids),
		Csns: slices.Clone(self.Csns),
	}
}

// find returns the index of sid, or -1
func (self *ContextVector) find(sid int) int {
	for i, s := range self.Sids {
		if s == sid {
			return i
		}
	}
	return -1
}

func (self *ContextVector) Get(sid int) (CSN, bool) {
	i := self.find(sid)
	if i < 0 {
		return "", false
	}
	return self.Csns[i], true
}

// Max returns the greatest stamp in the vector, skipping holes.
func (self *ContextVector) Max() (CSN, bool) {
	out := CSN("")
	found := false
	for i, sid := range self.Sids {
		if sid == NoSid {
			continue
		}
		if !found || out.Compare(self.Csns[i]) < 0 {
			out = self.Csns[i]
			found = true
		}
	}
	return out, found
}

// Compare orders self against other. The witness index names the position
// (in other for missing sids, else in self) that decided a Less outcome.
func (self *ContextVector) Compare(other *ContextVector) (Ordering, int) {
	if self.Len() < other.Len() {
		// a shorter vector is older. Witness the first diverging sid slot.
		w := 0
		for w < self.Len() && self.Sids[w] == other.Sids[w] {
			w += 1
		}
		return OrderLess, w
	}
	match := OrderEqual
	for j, sid := range other.Sids {
		if sid == NoSid {
			continue
		}
		i := self.find(sid)
		if i < 0 {
			return OrderLess, j
		}
		switch c := self.Csns[i].Compare(other.Csns[j]); {
		case c < 0:
			return OrderLess, i
		case c > 0:
			match = OrderGreater
		}
	}
	if match == OrderEqual && other.Len() < self.Len() {
		// strict superset with equal common stamps is ahead
		match = OrderGreater
	}
	return match, -1
}

// Merge folds other into self, taking the per-sid maximum stamp. Returns
// whether any stamp moved.
func (self *ContextVector) Merge(other *ContextVector) bool {
	if slices.Equal(self.Sids, other.Sids) {
		// fast path, element-wise max
		changed := false
		for i := range self.Csns {
			if self.Sids[i] == NoSid {
				continue
			}
			if self.Csns[i].Compare(other.Csns[i]) < 0 {
				self.Csns[i] = other.Csns[i]
				changed = true
			}
		}
		return changed
	}

	// ordered union over sids, skipping holes
	sids := []int{}
	csns := []CSN{}
	i, j := 0, 0
	changed := false
	for i < self.Len() || j < other.Len() {
		for i < self.Len() && self.Sids[i] == NoSid {
			i += 1
		}
		for j < other.Len() && other.Sids[j] == NoSid {
			j += 1
		}
		switch {
		case i < self.Len() && j < other.Len() && self.Sids[i] == other.Sids[j]:
			csn := maxCSN(self.Csns[i], other.Csns[j])
			if csn != self.Csns[i] {
				changed = true
			}
			sids = append(sids, self.Sids[i])
			csns = append(csns, csn)
			i += 1
			j += 1
		case i < self.Len() && (j >= other.Len() || self.Sids[i] < other.Sids[j]):
			sids = append(sids, self.Sids[i])
			csns = append(csns, self.Csns[i])
			i += 1
		case j < other.Len():
			sids = append(sids, other.Sids[j])
			csns = append(csns, other.Csns[j])
			changed = true
			j += 1
		}
	}
	self.Sids = sids
	self.Csns = csns
	return changed
}

type AgeCheck int

const (
	AgeOk AgeCheck = iota
	AgeTooOld
	AgeNewSid
)

// CheckAge decides whether a stamp for sid advances the vector. On AgeNewSid
// the returned slot is where the sid inserts to keep Sids ascending.
func (self *ContextVector) CheckAge(sid int, csn CSN) (AgeCheck, int) {
	i := 0
	for i < self.Len() {
		if self.Sids[i] != NoSid && sid <= self.Sids[i] {
			break
		}
		i += 1
	}
	if i == self.Len() || self.Sids[i] != sid {
		return AgeNewSid, i
	}
	if csn.Compare(self.Csns[i]) <= 0 {
		return AgeTooOld, i
	}
	return AgeOk, i
}

// Set overwrites or inserts the stamp for sid, keeping Sids ascending.
func (self *ContextVector) Set(sid int, csn CSN) {
	check, slot := self.CheckAge(sid, csn)
	if check == AgeNewSid {
		self.Sids = slices.Insert(self.Sids, slot, sid)
		self.Csns = slices.Insert(self.Csns, slot, csn)
	} else {
		self.Csns[slot] = csn
	}
}

// Delete removes the slot for sid if present.
func (self *ContextVector) Delete(sid int) {
	i := self.find(sid)
	if i < 0 {
		return
	}
	self.Sids = slices.Delete(self.Sids, i, i+1)
	self.Csns = slices.Delete(self.Csns, i, i+1)
}

func (self *ContextVector) String() string {
	parts := []string{}
	for i, sid := range self.Sids {
		if sid == NoSid {
			continue
		}
		parts = append(parts, fmt.Sprintf("%03x=%s", sid, self.Csns[i]))
	}
	return "[" + strings.Join(parts, ",") + "]"
}
