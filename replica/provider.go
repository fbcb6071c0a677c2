package replica

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/openmirror/ldsync/wire"
)

// ProviderSearch is the sync search a source issues after connecting.
type ProviderSearch struct {
	BaseDN    string
	Scope     Scope
	Filter    string
	Attrs     []string
	SizeLimit int
	TimeLimit int

	Controls []ldap.Control
}

// ProviderEntry is one search entry plus its decoded per-entry control.
type ProviderEntry struct {
	DN    string
	Attrs []Attribute

	SyncState *wire.SyncStateControl
}

// ProviderResult is the final search result.
type ProviderResult struct {
	Code int

	SyncDone *wire.SyncDoneControl
	DirSync  *wire.DirSyncControl
}

// ProviderMessage is one message off the wire; exactly one field is set.
type ProviderMessage struct {
	Entry        *ProviderEntry
	Intermediate *wire.SyncInfoMessage
	Done         *ProviderResult
}

// ProviderConn is the connection to one remote provider. The source owns it
// exclusively until Unbind.
type ProviderConn interface {
	StartSearch(search *ProviderSearch) error
	// Next blocks up to timeout; ErrTimeout means try again later.
	Next(timeout time.Duration) (*ProviderMessage, error)
	Unbind() error
}

// ProviderDialer opens a ProviderConn for a provider URI.
type ProviderDialer func(uri string, creds *Credentials, timeout time.Duration) (ProviderConn, error)

// DialProvider is the default dialer: ldap://, ldaps://, and ldapws:// (the
// websocket tunnel) URIs.
func DialProvider(uri string, creds *Credentials, timeout time.Duration) (ProviderConn, error) {
	var conn *ldap.Conn
	var err error

	switch {
	case strings.HasPrefix(uri, "ldapws://"), strings.HasPrefix(uri, "ldapwss://"):
		var netConn net.Conn
		netConn, err = DialWebsocketTunnel(uri, timeout)
		if err == nil {
			conn = ldap.NewConn(netConn, strings.HasPrefix(uri, "ldapwss://"))
			conn.Start()
		}
	case strings.HasPrefix(uri, "ldaps://"):
		conn, err = ldap.DialURL(uri,
			ldap.DialWithDialer(&net.Dialer{Timeout: timeout}),
			ldap.DialWithTLSConfig(&tls.Config{}),
		)
	default:
		conn, err = ldap.DialURL(uri, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrServerDown, uri, err)
	}

	if err := bindProvider(conn, creds); err != nil {
		conn.Close()
		return nil, err
	}
	return newLdapProvider(conn), nil
}

func bindProvider(conn *ldap.Conn, creds *Credentials) error {
	if creds == nil || creds.BindDN == "" {
		return nil
	}
	var err error
	if creds.BearerToken != "" {
		// the token rides as the password of a simple bind against the
		// token-mapping identity; the provider verifies the signature
		err = conn.Bind(creds.BindDN, creds.BearerToken)
	} else {
		err = conn.Bind(creds.BindDN, creds.Password)
	}
	if err != nil {
		return fmt.Errorf("%w: bind %s: %v", ErrServerDown, creds.BindDN, err)
	}
	return nil
}

// ldapProvider adapts a go-ldap connection to ProviderConn. A pump
// goroutine drains the async search into a channel the tick loop reads with
// a bounded timeout.
type ldapProvider struct {
	conn *ldap.Conn

	cancel   context.CancelFunc
	messages chan *ProviderMessage
	errs     chan error
}

func newLdapProvider(conn *ldap.Conn) *ldapProvider {
	return &ldapProvider{
		conn: conn,
	}
}

func (self *ldapProvider) StartSearch(search *ProviderSearch) error {
	ctx, cancel := context.WithCancel(context.Background())
	self.cancel = cancel
	self.messages = make(chan *ProviderMessage, 64)
	self.errs = make(chan error, 1)

	request := ldap.NewSearchRequest(
		search.BaseDN,
		ldapScope(search.Scope),
		ldap.NeverDerefAliases,
		search.SizeLimit,
		search.TimeLimit,
		false,
		search.Filter,
		search.Attrs,
		search.Controls,
	)

	response := self.conn.SearchAsync(ctx, request, 64)
	go self.pump(response)
	return nil
}

func (self *ldapProvider) pump(response ldap.Response) {
	defer close(self.messages)
	for response.Next() {
		message := &ProviderMessage{}
		if entry := response.Entry(); entry != nil {
			providerEntry := &ProviderEntry{DN: entry.DN}
			for _, attr := range entry.Attributes {
				providerEntry.Attrs = append(providerEntry.Attrs, Attribute{
					Desc:   attr.Name,
					Values: attr.Values,
				})
			}
			count := 0
			for _, control := range response.Controls() {
				if state := syncStateFromControl(control); state != nil {
					count += 1
					providerEntry.SyncState = state
				}
			}
			if 1 < count {
				self.errs <- fmt.Errorf("%w: multiple sync state controls on %s", ErrProtocol, entry.DN)
				return
			}
			message.Entry = providerEntry
		} else if info := syncInfoFromControls(response.Controls()); info != nil {
			message.Intermediate = info
		} else {
			continue
		}
		self.messages <- message
	}

	err := response.Err()
	if err == nil {
		self.messages <- &ProviderMessage{Done: doneFromControls(0, response.Controls())}
		return
	}
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.ResultCode != ldap.ErrorNetwork {
		self.messages <- &ProviderMessage{Done: doneFromControls(int(resultErr.ResultCode), response.Controls())}
		return
	}
	self.errs <- fmt.Errorf("%w: %v", ErrServerDown, err)
}

func (self *ldapProvider) Next(timeout time.Duration) (*ProviderMessage, error) {
	select {
	case err := <-self.errs:
		return nil, err
	case message, ok := <-self.messages:
		if !ok {
			select {
			case err := <-self.errs:
				return nil, err
			default:
				return nil, fmt.Errorf("%w: search closed", ErrServerDown)
			}
		}
		return message, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

func (self *ldapProvider) Unbind() error {
	if self.cancel != nil {
		self.cancel()
	}
	return self.conn.Unbind()
}

func ldapScope(scope Scope) int {
	switch scope {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOne:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

func syncStateFromControl(control ldap.Control) *wire.SyncStateControl {
	switch v := control.(type) {
	case *ldap.ControlSyncState:
		return &wire.SyncStateControl{
			State:  int(v.State),
			UUID:   v.EntryUUID[:],
			Cookie: v.Cookie,
		}
	case *ldap.ControlString:
		if v.ControlType == wire.OIDSyncState {
			if state, err := wire.ParseSyncStateControl([]byte(v.ControlValue)); err == nil {
				return state
			}
		}
	}
	return nil
}

func syncInfoFromControls(controls []ldap.Control) *wire.SyncInfoMessage {
	for _, control := range controls {
		switch v := control.(type) {
		case *ldap.ControlSyncInfo:
			message := &wire.SyncInfoMessage{}
			switch {
			case v.NewCookie != nil:
				message.NewCookie = v.NewCookie.Cookie
			case v.RefreshDelete != nil:
				message.RefreshDelete = &wire.SyncInfoRefresh{
					Cookie:      v.RefreshDelete.Cookie,
					RefreshDone: v.RefreshDelete.RefreshDone,
				}
			case v.RefreshPresent != nil:
				message.RefreshPresent = &wire.SyncInfoRefresh{
					Cookie:      v.RefreshPresent.Cookie,
					RefreshDone: v.RefreshPresent.RefreshDone,
				}
			case v.SyncIdSet != nil:
				idSet := &wire.SyncInfoIdSet{
					Cookie:         v.SyncIdSet.Cookie,
					RefreshDeletes: v.SyncIdSet.RefreshDeletes,
				}
				for _, uuid := range v.SyncIdSet.SyncUUIDs {
					uuidBytes := uuid
					idSet.UUIDs = append(idSet.UUIDs, uuidBytes[:])
				}
				message.IdSet = idSet
			default:
				continue
			}
			return message
		case *ldap.ControlString:
			if v.ControlType == wire.OIDSyncInfo {
				if message, err := wire.ParseSyncInfoMessage([]byte(v.ControlValue)); err == nil {
					return message
				}
			}
		}
	}
	return nil
}

func doneFromControls(code int, controls []ldap.Control) *ProviderResult {
	result := &ProviderResult{Code: code}
	for _, control := range controls {
		switch v := control.(type) {
		case *ldap.ControlSyncDone:
			result.SyncDone = &wire.SyncDoneControl{
				Cookie:         v.Cookie,
				RefreshDeletes: v.RefreshDeletes,
			}
		case *ldap.ControlDirSync:
			result.DirSync = &wire.DirSyncControl{
				Flags:       v.Flags,
				MaxBytes:    v.MaxAttrCount,
				Cookie:      v.Cookie,
				MoreResults: v.Flags != 0,
			}
		case *ldap.ControlString:
			switch v.ControlType {
			case wire.OIDSyncDone:
				if done, err := wire.ParseSyncDoneControl([]byte(v.ControlValue)); err == nil {
					result.SyncDone = done
				}
			case wire.OIDDirSync:
				if dirSync, err := wire.ParseDirSyncControl([]byte(v.ControlValue)); err == nil {
					result.DirSync = dirSync
				}
			}
		}
	}
	return result
}
