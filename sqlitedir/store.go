// Package sqlitedir is the sqlite-backed reference store behind the
// directory-operations interface. One table holds the entry skeleton keyed
// by normalized DN, a second holds attribute values; searches load the
// candidate scope and evaluate the filter in process.
package sqlitedir

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openmirror/ldsync/replica"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	ndn TEXT PRIMARY KEY,
	dn TEXT NOT NULL,
	uuid BLOB NOT NULL,
	parent TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_uuid ON entries (uuid);
CREATE INDEX IF NOT EXISTS entries_parent ON entries (parent);
CREATE TABLE IF NOT EXISTS attrs (
	ndn TEXT NOT NULL,
	desc TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (ndn, desc, ordinal)
);
`

type Store struct {
	db      *sql.DB
	suffix  string
	nsuffix string
}

func Open(dsn string, suffix string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedir open %s: %w", dsn, err)
	}
	// single writer; the engine serializes through its own mutexes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedir schema: %w", err)
	}
	nsuffix, err := replica.NormalizeDN(suffix)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:      db,
		suffix:  suffix,
		nsuffix: nsuffix,
	}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func (self *Store) Suffix() string {
	return self.suffix
}

func (self *Store) load(ndn string) (*replica.Entry, error) {
	row := self.db.QueryRow(`SELECT dn, uuid FROM entries WHERE ndn = ?`, ndn)
	entry := &replica.Entry{NDN: ndn}
	var uuidBytes []byte
	if err := row.Scan(&entry.DN, &uuidBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", replica.ErrNoSuchObject, ndn)
		}
		return nil, err
	}
	if uuid, err := replica.UUIDFromBytes(uuidBytes); err == nil {
		entry.UUID = uuid
	}

	rows, err := self.db.Query(`SELECT desc, value FROM attrs WHERE ndn = ? ORDER BY desc, ordinal`, ndn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var desc, value string
		if err := rows.Scan(&desc, &value); err != nil {
			return nil, err
		}
		if attr := entry.Attr(desc); attr != nil {
			attr.Values = append(attr.Values, value)
		} else {
			entry.Attrs = append(entry.Attrs, replica.Attribute{Desc: desc, Values: []string{value}})
		}
	}
	return entry, rows.Err()
}

func (self *Store) store(tx *sql.Tx, entry *replica.Entry) error {
	_, parent := replica.SplitDN(entry.NDN)
	if _, err := tx.Exec(`INSERT INTO entries (ndn, dn, uuid, parent) VALUES (?, ?, ?, ?)`,
		entry.NDN, entry.DN, entry.UUID.Bytes(), parent); err != nil {
		return err
	}
	return self.storeAttrs(tx, entry)
}

func (self *Store) storeAttrs(tx *sql.Tx, entry *replica.Entry) error {
	for _, attr := range entry.Attrs {
		for i, value := range attr.Values {
			if _, err := tx.Exec(`INSERT INTO attrs (ndn, desc, ordinal, value) VALUES (?, ?, ?, ?)`,
				entry.NDN, attr.Desc, i, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Store) exists(ndn string) (bool, error) {
	row := self.db.QueryRow(`SELECT 1 FROM entries WHERE ndn = ?`, ndn)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (self *Store) hasChildren(ndn string) (bool, error) {
	row := self.db.QueryRow(`SELECT 1 FROM entries WHERE parent = ? LIMIT 1`, ndn)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (self *Store) Add(dctx *replica.DirContext, entry *replica.Entry) error {
	ndn := entry.NDN
	if ndn == "" {
		var err error
		if ndn, err = replica.NormalizeDN(entry.DN); err != nil {
			return err
		}
	}
	if ok, err := self.exists(ndn); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", replica.ErrAlreadyExists, entry.DN)
	}
	if ndn != self.nsuffix {
		_, parent := replica.SplitDN(ndn)
		if ok, err := self.exists(parent); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: parent of %s", replica.ErrNoSuchObject, entry.DN)
		}
	}

	stored := &replica.Entry{
		DN:    entry.DN,
		NDN:   ndn,
		UUID:  entry.UUID,
		Attrs: entry.Attrs,
	}
	stamped := stamp(dctx, stored)

	tx, err := self.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := self.store(tx, stamped); err != nil {
		return err
	}
	return tx.Commit()
}

func (self *Store) Modify(dctx *replica.DirContext, dn string, mods []replica.Modification) error {
	ndn, err := replica.NormalizeDN(dn)
	if err != nil {
		return err
	}
	entry, err := self.load(ndn)
	if err != nil {
		return err
	}
	for _, mod := range mods {
		if err := replica.ApplyModification(entry, mod); err != nil {
			return err
		}
	}
	stamped := stamp(dctx, entry)

	tx, err := self.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM attrs WHERE ndn = ?`, ndn); err != nil {
		return err
	}
	if err := self.storeAttrs(tx, stamped); err != nil {
		return err
	}
	return tx.Commit()
}

func (self *Store) ModifyDN(dctx *replica.DirContext, dn string, newRDN string, deleteOldRDN bool, newSuperior string) error {
	ndn, err := replica.NormalizeDN(dn)
	if err != nil {
		return err
	}
	entry, err := self.load(ndn)
	if err != nil {
		return err
	}
	if children, err := self.hasChildren(ndn); err != nil {
		return err
	} else if children {
		return fmt.Errorf("%w: %s", replica.ErrNonLeaf, dn)
	}

	renamed, err := replica.RenameEntry(entry, newRDN, deleteOldRDN, newSuperior)
	if err != nil {
		return err
	}
	if renamed.NDN != ndn {
		if ok, err := self.exists(renamed.NDN); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %s", replica.ErrAlreadyExists, renamed.DN)
		}
	}
	stamped := stamp(dctx, renamed)

	tx, err := self.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM attrs WHERE ndn = ?`, ndn); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE ndn = ?`, ndn); err != nil {
		return err
	}
	if err := self.store(tx, stamped); err != nil {
		return err
	}
	return tx.Commit()
}

func (self *Store) Delete(dctx *replica.DirContext, dn string) error {
	ndn, err := replica.NormalizeDN(dn)
	if err != nil {
		return err
	}
	if ok, err := self.exists(ndn); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", replica.ErrNoSuchObject, dn)
	}
	if children, err := self.hasChildren(ndn); err != nil {
		return err
	} else if children {
		return fmt.Errorf("%w: %s", replica.ErrNonLeaf, dn)
	}

	tx, err := self.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM attrs WHERE ndn = ?`, ndn); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entries WHERE ndn = ?`, ndn); err != nil {
		return err
	}
	return tx.Commit()
}

func (self *Store) Search(dctx *replica.DirContext, request *replica.SearchRequest, callback func(*replica.Entry) error) error {
	base, err := replica.NormalizeDN(request.BaseDN)
	if err != nil {
		return err
	}

	var rows *sql.Rows
	switch request.Scope {
	case replica.ScopeBase:
		rows, err = self.db.Query(`SELECT ndn FROM entries WHERE ndn = ? ORDER BY ndn`, base)
	case replica.ScopeOne:
		rows, err = self.db.Query(`SELECT ndn FROM entries WHERE parent = ? ORDER BY ndn`, base)
	default:
		rows, err = self.db.Query(`SELECT ndn FROM entries WHERE ndn = ? OR ndn LIKE ? ESCAPE '\' ORDER BY ndn`,
			base, "%,"+escapeLike(base))
	}
	if err != nil {
		return err
	}
	ndns := []string{}
	for rows.Next() {
		var ndn string
		if err := rows.Scan(&ndn); err != nil {
			rows.Close()
			return err
		}
		ndns = append(ndns, ndn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	count := 0
	for _, ndn := range ndns {
		entry, err := self.load(ndn)
		if err != nil {
			if errors.Is(err, replica.ErrNoSuchObject) {
				continue
			}
			return err
		}
		if request.Filter != "" {
			match, err := replica.MatchFilter(request.Filter, entry)
			if err != nil {
				return err
			}
			if !match {
				continue
			}
		}
		if 0 < request.SizeLimit && request.SizeLimit <= count {
			return nil
		}
		if err := callback(entry); err != nil {
			return err
		}
		count += 1
	}
	return nil
}

func (self *Store) FetchEntry(dn string) (*replica.Entry, error) {
	ndn, err := replica.NormalizeDN(dn)
	if err != nil {
		return nil, err
	}
	return self.load(ndn)
}

func stamp(dctx *replica.DirContext, entry *replica.Entry) *replica.Entry {
	if entry.First(replica.AttrEntryUUID) == "" {
		if entry.UUID == (replica.UUID{}) {
			entry.UUID = replica.NewUUID()
		}
		entry.SetAttr(replica.AttrEntryUUID, entry.UUID.String())
	}
	if dctx.QueuedCSN != "" {
		entry.SetAttr(replica.AttrEntryCSN, string(dctx.QueuedCSN))
	}
	entry.SetAttr(replica.AttrModifyTimestamp, dctx.Time().Format("20060102150405Z"))
	if entry.First(replica.AttrCreateTimestamp) == "" {
		entry.SetAttr(replica.AttrCreateTimestamp, dctx.Time().Format("20060102150405Z"))
	}
	return entry
}

func escapeLike(s string) string {
	return strings.NewReplacer("%", `\%`, "_", `\_`).Replace(s)
}
