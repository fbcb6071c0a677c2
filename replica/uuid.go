package replica

import (
	"errors"
	"fmt"

	guuid "github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
type UUID [16]byte

// NewUUID mints an id for locally-originated entries (glue).
func NewUUID() UUID {
	return UUID(ulid.Make())
}

func UUIDFromBytes(uuidBytes []byte) (UUID, error) {
	if len(uuidBytes) != 16 {
		return UUID{}, errors.New("entryUUID must be 16 bytes")
	}
	return UUID(uuidBytes), nil
}

func RequireUUIDFromBytes(uuidBytes []byte) UUID {
	uuid, err := UUIDFromBytes(uuidBytes)
	if err != nil {
		panic(err)
	}
	return uuid
}

// ParseUUID accepts the 8-4-4-4-12 display form.
func ParseUUID(uuidStr string) (UUID, error) {
	parsed, err := guuid.Parse(uuidStr)
	if err != nil {
		return UUID{}, fmt.Errorf("cannot parse UUID %v: %w", uuidStr, err)
	}
	return UUID(parsed), nil
}

func (self UUID) Bytes() []byte {
	return self[0:16]
}

func (self UUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
