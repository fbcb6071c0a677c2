// Package wire implements the BER-encoded protocol elements of the sync
// protocols: the RFC 4533 request/response controls and sync info messages,
// the dir-sync control pair, and the small request-only controls the search
// path attaches. Every request control satisfies the ldap.Control interface.
package wire

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

const (
	OIDSyncRequest = "1.3.6.1.4.1.4203.1.9.1.1"
	OIDSyncState   = "1.3.6.1.4.1.4203.1.9.1.2"
	OIDSyncDone    = "1.3.6.1.4.1.4203.1.9.1.3"
	OIDSyncInfo    = "1.3.6.1.4.1.4203.1.9.1.4"

	OIDDirSync     = "1.2.840.113556.1.4.841"
	OIDShowDeleted = "1.2.840.113556.1.4.417"
	OIDLazyCommit  = "1.2.840.113556.1.4.619"

	OIDManageDsaIT      = "2.16.840.1.113730.3.4.2"
	OIDPersistentSearch = "2.16.840.1.113730.3.4.3"
	OIDProxyAuthz       = "2.16.840.1.113730.3.4.18"

	OIDRelax = "1.3.6.1.4.1.4203.666.5.12"
)

// sync request modes
const (
	SyncModeRefreshOnly       = 1
	SyncModeRefreshAndPersist = 3
)

// sync info tagged choices
const (
	syncInfoTagNewCookie      = 0
	syncInfoTagRefreshDelete  = 1
	syncInfoTagRefreshPresent = 2
	syncInfoTagSyncIdSet      = 3
)

func encodeControl(oid string, criticality bool, value *ber.Packet) *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, oid, "Control Type"))
	if criticality {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	}
	if value != nil {
		wrapped := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value")
		wrapped.AppendChild(value)
		packet.AppendChild(wrapped)
	}
	return packet
}

// SyncRequestControl is the RFC 4533 request control:
// { mode ENUMERATED, cookie OCTET STRING OPTIONAL, reloadHint BOOLEAN }.
// A negative mode requests a non-critical control.
type SyncRequestControl struct {
	Mode       int
	Cookie     []byte
	ReloadHint bool
}

func NewSyncRequestControl(mode int, cookie []byte, reloadHint bool) *SyncRequestControl {
	return &SyncRequestControl{
		Mode:       mode,
		Cookie:     cookie,
		ReloadHint: reloadHint,
	}
}

func (self *SyncRequestControl) GetControlType() string {
	return OIDSyncRequest
}

func (self *SyncRequestControl) Encode() *ber.Packet {
	mode := self.Mode
	critical := true
	if mode < 0 {
		mode = -mode
		critical = false
	}
	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Sync Request Value")
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(mode), "Mode"))
	if 0 < len(self.Cookie) {
		value.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(self.Cookie), "Cookie"))
	}
	if self.ReloadHint {
		value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Reload Hint"))
	}
	return encodeControl(OIDSyncRequest, critical, value)
}

func (self *SyncRequestControl) String() string {
	return fmt.Sprintf("SyncRequest(mode=%d cookie=%q reloadHint=%t)", self.Mode, self.Cookie, self.ReloadHint)
}

// SyncStateControl accompanies each search entry:
// { state ENUMERATED, entryUUID OCTET STRING, cookie OCTET STRING OPTIONAL }.
type SyncStateControl struct {
	State  int
	UUID   []byte
	Cookie []byte
}

func ParseSyncStateControl(value []byte) (*SyncStateControl, error) {
	packet, err := decodeValue(value, "sync state")
	if err != nil {
		return nil, err
	}
	if len(packet.Children) < 2 {
		return nil, fmt.Errorf("sync state control with %d fields", len(packet.Children))
	}
	control := &SyncStateControl{}
	state, err := parseInt(packet.Children[0])
	if err != nil {
		return nil, fmt.Errorf("sync state: %w", err)
	}
	control.State = int(state)
	control.UUID = packet.Children[1].Data.Bytes()
	if len(control.UUID) != 16 {
		return nil, fmt.Errorf("sync state entryUUID is %d bytes", len(control.UUID))
	}
	if 2 < len(packet.Children) {
		control.Cookie = packet.Children[2].Data.Bytes()
	}
	return control, nil
}

// SyncDoneControl rides the final search result:
// { cookie OCTET STRING OPTIONAL, refreshDeletes BOOLEAN }.
type SyncDoneControl struct {
	Cookie         []byte
	RefreshDeletes bool
}

func ParseSyncDoneControl(value []byte) (*SyncDoneControl, error) {
	packet, err := decodeValue(value, "sync done")
	if err != nil {
		return nil, err
	}
	control := &SyncDoneControl{}
	for _, child := range packet.Children {
		switch child.Tag {
		case ber.TagOctetString:
			control.Cookie = child.Data.Bytes()
		case ber.TagBoolean:
			control.RefreshDeletes = parseBool(child)
		}
	}
	return control, nil
}

// SyncInfoMessage is the decoded intermediate response with its tagged
// choice: exactly one of the four branch pointers is set.
type SyncInfoMessage struct {
	NewCookie []byte

	RefreshDelete  *SyncInfoRefresh
	RefreshPresent *SyncInfoRefresh

	IdSet *SyncInfoIdSet
}

type SyncInfoRefresh struct {
	Cookie      []byte
	RefreshDone bool
}

type SyncInfoIdSet struct {
	Cookie         []byte
	RefreshDeletes bool
	UUIDs          [][]byte
}

func ParseSyncInfoMessage(value []byte) (*SyncInfoMessage, error) {
	packet := ber.DecodePacket(value)
	if packet == nil {
		return nil, fmt.Errorf("undecodable sync info message")
	}

	message := &SyncInfoMessage{}
	switch int(packet.Tag) {
	case syncInfoTagNewCookie:
		message.NewCookie = packet.Data.Bytes()

	case syncInfoTagRefreshDelete, syncInfoTagRefreshPresent:
		refresh := &SyncInfoRefresh{RefreshDone: true}
		for _, child := range packet.Children {
			switch child.Tag {
			case ber.TagOctetString:
				refresh.Cookie = child.Data.Bytes()
			case ber.TagBoolean:
				refresh.RefreshDone = parseBool(child)
			}
		}
		if int(packet.Tag) == syncInfoTagRefreshDelete {
			message.RefreshDelete = refresh
		} else {
			message.RefreshPresent = refresh
		}

	case syncInfoTagSyncIdSet:
		idSet := &SyncInfoIdSet{}
		for _, child := range packet.Children {
			switch {
			case child.Tag == ber.TagOctetString && child.TagType == ber.TypePrimitive:
				idSet.Cookie = child.Data.Bytes()
			case child.Tag == ber.TagBoolean:
				idSet.RefreshDeletes = parseBool(child)
			case child.TagType == ber.TypeConstructed:
				for _, uuid := range child.Children {
					idSet.UUIDs = append(idSet.UUIDs, uuid.Data.Bytes())
				}
			}
		}
		message.IdSet = idSet

	default:
		return nil, fmt.Errorf("sync info message with tag %d", packet.Tag)
	}
	return message, nil
}

// EncodeSyncInfoIdSet builds the intermediate response value; the provider
// side of the package tests uses it.
func EncodeSyncInfoIdSet(cookie []byte, refreshDeletes bool, uuids [][]byte) []byte {
	packet := ber.Encode(ber.ClassContext, ber.TypeConstructed, ber.Tag(syncInfoTagSyncIdSet), nil, "Sync Id Set")
	if 0 < len(cookie) {
		packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(cookie), "Cookie"))
	}
	if refreshDeletes {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Refresh Deletes"))
	}
	set := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "UUIDs")
	for _, uuid := range uuids {
		set.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(uuid), "UUID"))
	}
	packet.AppendChild(set)
	return packet.Bytes()
}

func EncodeSyncInfoRefresh(phaseDelete bool, cookie []byte, done bool) []byte {
	tag := syncInfoTagRefreshPresent
	if phaseDelete {
		tag = syncInfoTagRefreshDelete
	}
	packet := ber.Encode(ber.ClassContext, ber.TypeConstructed, ber.Tag(tag), nil, "Refresh Phase")
	if 0 < len(cookie) {
		packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(cookie), "Cookie"))
	}
	packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, done, "Refresh Done"))
	return packet.Bytes()
}

func EncodeSyncInfoNewCookie(cookie []byte) []byte {
	packet := ber.NewString(ber.ClassContext, ber.TypePrimitive, ber.Tag(syncInfoTagNewCookie), string(cookie), "New Cookie")
	return packet.Bytes()
}

func EncodeSyncStateValue(state int, uuid []byte, cookie []byte) []byte {
	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Sync State Value")
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(state), "State"))
	value.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(uuid), "Entry UUID"))
	if 0 < len(cookie) {
		value.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(cookie), "Cookie"))
	}
	return value.Bytes()
}

func EncodeSyncDoneValue(cookie []byte, refreshDeletes bool) []byte {
	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Sync Done Value")
	if 0 < len(cookie) {
		value.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(cookie), "Cookie"))
	}
	if refreshDeletes {
		value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Refresh Deletes"))
	}
	return value.Bytes()
}

// DirSyncControl is the Microsoft incremental control, both directions:
// { flags INTEGER, maxBytes INTEGER, cookie OCTET STRING }.
type DirSyncControl struct {
	Flags    int64
	MaxBytes int64
	Cookie   []byte

	// response side: nonzero when more changes are waiting
	MoreResults bool
}

func NewDirSyncControl(flags int64, maxBytes int64, cookie []byte) *DirSyncControl {
	return &DirSyncControl{
		Flags:    flags,
		MaxBytes: maxBytes,
		Cookie:   cookie,
	}
}

func (self *DirSyncControl) GetControlType() string {
	return OIDDirSync
}

func (self *DirSyncControl) Encode() *ber.Packet {
	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "DirSync Value")
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, self.Flags, "Flags"))
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, self.MaxBytes, "Max Bytes"))
	value.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(self.Cookie), "Cookie"))
	return encodeControl(OIDDirSync, true, value)
}

func (self *DirSyncControl) String() string {
	return fmt.Sprintf("DirSync(flags=%d cookie=%d bytes)", self.Flags, len(self.Cookie))
}

func ParseDirSyncControl(value []byte) (*DirSyncControl, error) {
	packet, err := decodeValue(value, "dir sync")
	if err != nil {
		return nil, err
	}
	if len(packet.Children) < 3 {
		return nil, fmt.Errorf("dir sync control with %d fields", len(packet.Children))
	}
	control := &DirSyncControl{}
	if control.Flags, err = parseInt(packet.Children[0]); err != nil {
		return nil, fmt.Errorf("dir sync flags: %w", err)
	}
	if control.MaxBytes, err = parseInt(packet.Children[1]); err != nil {
		return nil, fmt.Errorf("dir sync maxBytes: %w", err)
	}
	control.Cookie = packet.Children[2].Data.Bytes()
	control.MoreResults = control.Flags != 0
	return control, nil
}

// valueless request controls

type flagControl struct {
	oid         string
	name        string
	criticality bool
}

func (self *flagControl) GetControlType() string {
	return self.oid
}

func (self *flagControl) Encode() *ber.Packet {
	return encodeControl(self.oid, self.criticality, nil)
}

func (self *flagControl) String() string {
	return self.name
}

func NewManageDsaITControl(criticality bool) ldap.Control {
	return &flagControl{oid: OIDManageDsaIT, name: "ManageDsaIT", criticality: criticality}
}

func NewShowDeletedControl() ldap.Control {
	return &flagControl{oid: OIDShowDeleted, name: "ShowDeleted", criticality: true}
}

func NewLazyCommitControl() ldap.Control {
	return &flagControl{oid: OIDLazyCommit, name: "LazyCommit"}
}

func NewRelaxControl() ldap.Control {
	return &flagControl{oid: OIDRelax, name: "Relax", criticality: true}
}

// ProxyAuthzControl carries the authorization identity of the original
// writer; the value is the raw authzId.
type ProxyAuthzControl struct {
	AuthzID string
}

func (self *ProxyAuthzControl) GetControlType() string {
	return OIDProxyAuthz
}

func (self *ProxyAuthzControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, OIDProxyAuthz, "Control Type"))
	packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, true, "Criticality"))
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, self.AuthzID, "Control Value"))
	return packet
}

func (self *ProxyAuthzControl) String() string {
	return fmt.Sprintf("ProxyAuthz(%s)", self.AuthzID)
}

// PersistentSearchControl subscribes to changes during change-log logging
// mode: { changeTypes INTEGER, changesOnly BOOLEAN, returnECs BOOLEAN }.
type PersistentSearchControl struct {
	ChangeTypes int64
	ChangesOnly bool
	ReturnECs   bool
}

func NewPersistentSearchControl(changeTypes int64, changesOnly bool, returnECs bool) *PersistentSearchControl {
	return &PersistentSearchControl{
		ChangeTypes: changeTypes,
		ChangesOnly: changesOnly,
		ReturnECs:   returnECs,
	}
}

func (self *PersistentSearchControl) GetControlType() string {
	return OIDPersistentSearch
}

func (self *PersistentSearchControl) Encode() *ber.Packet {
	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Persistent Search Value")
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, self.ChangeTypes, "Change Types"))
	value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, self.ChangesOnly, "Changes Only"))
	value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, self.ReturnECs, "Return ECs"))
	return encodeControl(OIDPersistentSearch, true, value)
}

func (self *PersistentSearchControl) String() string {
	return fmt.Sprintf("PersistentSearch(types=%d changesOnly=%t)", self.ChangeTypes, self.ChangesOnly)
}

func decodeValue(value []byte, what string) (*ber.Packet, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty %s control value", what)
	}
	packet := ber.DecodePacket(value)
	if packet == nil {
		return nil, fmt.Errorf("undecodable %s control value", what)
	}
	return packet, nil
}

func parseInt(packet *ber.Packet) (int64, error) {
	switch v := packet.Value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	}
	return ber.ParseInt64(packet.Data.Bytes())
}

func parseBool(packet *ber.Packet) bool {
	if v, ok := packet.Value.(bool); ok {
		return v
	}
	data := packet.Data.Bytes()
	return 0 < len(data) && data[0] != 0
}
