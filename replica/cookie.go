package replica

import (
	"fmt"
	"strconv"
	"strings"
)

// A sync cookie is an opaque octet string on the wire. Within the consumer it
// parses to a rid, an optional sid, and a context vector:
//
//     rid=003,sid=001,csn=20240101000000.000001Z#000000#001#000000;...
//
// The csn values are kept sorted by their embedded sid.
type Cookie struct {
	Rid int
	// Sid is the serverID this consumer advertises, or NoSid
	Sid int
	Ctx *ContextVector

	// DeleteCSN stamps non-present deletions when the provider supplies one
	DeleteCSN CSN
}

func NewCookie(rid int, sid int) *Cookie {
	return &Cookie{
		Rid: rid,
		Sid: sid,
		Ctx: NewContextVector(),
	}
}

func (self *Cookie) Clone() *Cookie {
	out := &Cookie{
		Rid:       self.Rid,
		Sid:       self.Sid,
		DeleteCSN: self.DeleteCSN,
	}
	if self.Ctx != nil {
		out.Ctx = self.Ctx.Clone()
	}
	return out
}

func (self *Cookie) Empty() bool {
	return self.Ctx == nil || self.Ctx.Len() == 0
}

func ParseCookie(raw []byte) (*Cookie, error) {
	cookie := &Cookie{
		Rid: -1,
		Sid: NoSid,
		Ctx: NewContextVector(),
	}
	if len(raw) == 0 {
		return cookie, nil
	}
	for _, field := range strings.Split(string(raw), ",") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed cookie field %q", ErrProtocol, field)
		}
		switch key {
		case "rid":
			rid, err := strconv.Atoi(value)
			if err != nil || rid < 0 || MaxSid < rid {
				return nil, fmt.Errorf("%w: cookie rid %q", ErrProtocol, value)
			}
			cookie.Rid = rid
		case "sid":
			sid, err := strconv.ParseInt(value, 16, 32)
			if err != nil || sid < 0 || MaxSid < sid {
				return nil, fmt.Errorf("%w: cookie sid %q", ErrProtocol, value)
			}
			cookie.Sid = int(sid)
		case "csn":
			for _, csnStr := range strings.Split(value, ";") {
				if csnStr == "" {
					continue
				}
				csn := CSN(csnStr)
				sid, err := csn.Sid()
				if err != nil {
					return nil, err
				}
				if _, ok := cookie.Ctx.Get(sid); ok {
					return nil, fmt.Errorf("%w: duplicate sid %03x in cookie", ErrProtocol, sid)
				}
				cookie.Ctx.Set(sid, csn)
			}
		case "delcsn":
			cookie.DeleteCSN = CSN(value)
		default:
			// unknown fields are carried by providers we did not produce
			// the cookie for. Ignore them.
		}
	}
	return cookie, nil
}

func (self *Cookie) Bytes() []byte {
	parts := []string{fmt.Sprintf("rid=%03d", self.Rid)}
	if self.Sid != NoSid {
		parts = append(parts, fmt.Sprintf("sid=%03x", self.Sid))
	}
	if self.Ctx != nil && self.Ctx.Len() > 0 {
		csns := []string{}
		for i, sid := range self.Ctx.Sids {
			if sid == NoSid {
				continue
			}
			csns = append(csns, string(self.Ctx.Csns[i]))
		}
		parts = append(parts, "csn="+strings.Join(csns, ";"))
	}
	if self.DeleteCSN != "" {
		parts = append(parts, "delcsn="+string(self.DeleteCSN))
	}
	return []byte(strings.Join(parts, ","))
}

func (self *Cookie) String() string {
	return string(self.Bytes())
}
