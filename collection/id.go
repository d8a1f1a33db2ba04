package collection

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const TempIdPrefix = "temp-"

// comparable
// an entity identity is either permanent (assigned by the server)
// or temporary (allocated locally until the create is confirmed).
// the temporary flag is part of the key, so a server id that happens to look like
// `temp-0` never collides with a local one
type Identity struct {
	value     string
	temporary bool
}

func PermanentIdentity(value string) Identity {
	return Identity{
		value: value,
	}
}

func (self Identity) IsTemporary() bool {
	return self.temporary
}

func (self Identity) IsZero() bool {
	return self == Identity{}
}

func (self Identity) String() string {
	return self.value
}

// the temporary identity a correlation token refers to
func TemporaryIdentity(value string) Identity {
	return Identity{
		value:     value,
		temporary: true,
	}
}

// formats a server id value the way it appears in urls and scopes
// json numbers keep their literal form, e.g. `0` not `0.000000`
func IdentityOfValue(value any) (Identity, error) {
	switch v := value.(type) {
	case nil:
		return Identity{}, ErrMissingIdentity
	case string:
		if v == "" {
			return Identity{}, ErrMissingIdentity
		}
		return PermanentIdentity(v), nil
	case json.Number:
		return PermanentIdentity(v.String()), nil
	case float64:
		return PermanentIdentity(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case float32:
		return PermanentIdentity(strconv.FormatFloat(float64(v), 'f', -1, 32)), nil
	case int:
		return PermanentIdentity(strconv.Itoa(v)), nil
	case int64:
		return PermanentIdentity(strconv.FormatInt(v, 10)), nil
	case int32:
		return PermanentIdentity(strconv.FormatInt(int64(v), 10)), nil
	case uint64:
		return PermanentIdentity(strconv.FormatUint(v, 10)), nil
	case fmt.Stringer:
		return PermanentIdentity(v.String()), nil
	default:
		return Identity{}, fmt.Errorf("unsupported identity type %T", value)
	}
}

// issues temporary identities for one collection.
// the counter is never reset, so values are unique for the lifetime of the allocator
type TempIdAllocator struct {
	next atomic.Uint64
}

func NewTempIdAllocator() *TempIdAllocator {
	return &TempIdAllocator{}
}

// safe to call from any goroutine
func (self *TempIdAllocator) Next() Identity {
	i := self.next.Add(1) - 1
	return TemporaryIdentity(fmt.Sprintf("%s%d", TempIdPrefix, i))
}

// comparable
// request and session ids
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

// the creation time encoded in the id, millisecond precision
func (self Id) Time() time.Time {
	return ulid.Time(ulid.ULID(self).Time())
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
