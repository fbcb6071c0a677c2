package replica

import (
	"encoding/binary"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testUUID(n uint64) UUID {
	uuid := UUID{}
	binary.BigEndian.PutUint64(uuid[8:], n)
	// spread over buckets
	uuid[0] = byte(n)
	uuid[1] = byte(n >> 8)
	return uuid
}

func TestPresentSetInsertFind(t *testing.T) {
	set := NewPresentSet()

	assert.Equal(t, true, set.Insert(testUUID(1)))
	assert.Equal(t, false, set.Insert(testUUID(1)))
	assert.Equal(t, true, set.Insert(testUUID(2)))
	assert.Equal(t, 2, set.Len())

	assert.Equal(t, true, set.Find(testUUID(1)))
	assert.Equal(t, false, set.Find(testUUID(3)))

	assert.Equal(t, true, set.Delete(testUUID(1)))
	assert.Equal(t, false, set.Delete(testUUID(1)))
	assert.Equal(t, false, set.Find(testUUID(1)))
	assert.Equal(t, 1, set.Len())
}

func TestPresentSetSharedBucket(t *testing.T) {
	set := NewPresentSet()

	// same two-byte prefix, different suffixes
	a := UUID{0xab, 0xcd, 1}
	b := UUID{0xab, 0xcd, 2}
	c := UUID{0xab, 0xcd, 3}
	assert.Equal(t, true, set.Insert(c))
	assert.Equal(t, true, set.Insert(a))
	assert.Equal(t, true, set.Insert(b))
	assert.Equal(t, false, set.Insert(b))

	assert.Equal(t, true, set.Find(a))
	assert.Equal(t, true, set.Find(b))
	assert.Equal(t, true, set.Find(c))
	assert.Equal(t, true, set.Delete(b))
	assert.Equal(t, true, set.Find(a))
	assert.Equal(t, true, set.Find(c))
}

func TestPresentSetFreeAll(t *testing.T) {
	set := NewPresentSet()
	n := 10000
	for i := 0; i < n; i += 1 {
		set.Insert(testUUID(uint64(i)))
	}
	assert.Equal(t, n, set.Len())
	assert.Equal(t, n, set.FreeAll())
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, false, set.Find(testUUID(17)))
}
