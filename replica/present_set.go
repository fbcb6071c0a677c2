package replica

import (
	"bytes"
	"sort"
)

// PresentSet holds the UUIDs the provider announced during the present phase
// of a refresh. It must stay well-behaved past 10^7 entries, so it is split
// 65536 ways on the first two bytes with a sorted suffix list per bucket.
type PresentSet struct {
	buckets [1 << 16][][14]byte
	count   int
}

func NewPresentSet() *PresentSet {
	return &PresentSet{}
}

func bucketKey(uuid UUID) (int, [14]byte) {
	var suffix [14]byte
	copy(suffix[:], uuid[2:16])
	return int(uuid[0])<<8 | int(uuid[1]), suffix
}

func (self *PresentSet) locate(bucket [][14]byte, suffix [14]byte) (int, bool) {
	i := sort.Search(len(bucket), func(i int) bool {
		return bytes.Compare(bucket[i][:], suffix[:]) >= 0
	})
	return i, i < len(bucket) && bucket[i] == suffix
}

// Insert adds uuid and reports false if it was already present.
func (self *PresentSet) Insert(uuid UUID) bool {
	b, suffix := bucketKey(uuid)
	bucket := self.buckets[b]
	i, found := self.locate(bucket, suffix)
	if found {
		return false
	}
	bucket = append(bucket, [14]byte{})
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = suffix
	self.buckets[b] = bucket
	self.count += 1
	return true
}

func (self *PresentSet) Find(uuid UUID) bool {
	b, suffix := bucketKey(uuid)
	_, found := self.locate(self.buckets[b], suffix)
	return found
}

func (self *PresentSet) Delete(uuid UUID) bool {
	b, suffix := bucketKey(uuid)
	bucket := self.buckets[b]
	i, found := self.locate(bucket, suffix)
	if !found {
		return false
	}
	copy(bucket[i:], bucket[i+1:])
	self.buckets[b] = bucket[:len(bucket)-1]
	self.count -= 1
	return true
}

func (self *PresentSet) Len() int {
	return self.count
}

// FreeAll drops the set and reports the population for diagnostics.
func (self *PresentSet) FreeAll() int {
	count := self.count
	for i := range self.buckets {
		self.buckets[i] = nil
	}
	self.count = 0
	return count
}
