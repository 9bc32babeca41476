package server

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteACL is an AddressList persisted to a SQLite database, for
// deployments that want the allow/deny list to survive process
// restarts. Grounded on the teacher's own ban-list SQL patterns
// (addBanItem/readBanItem/deleteBanItem in ban.go): a single table
// keyed by address, queried with db.QueryRow and mutated with
// db.Exec/db.Prepare.
type SQLiteACL struct {
	db *sql.DB
}

// OpenSQLiteACL opens (creating if necessary) a SQLite-backed address
// list at path.
func OpenSQLiteACL(path string) (*SQLiteACL, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS acl (
		addr TEXT PRIMARY KEY,
		listed INTEGER NOT NULL
	);`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteACL{db: db}, nil
}

// Close closes the underlying database handle.
func (a *SQLiteACL) Close() error { return a.db.Close() }

func (a *SQLiteACL) Set(addr string, listed bool) error {
	val := 0
	if listed {
		val = 1
	}
	stmt, err := a.db.Prepare(`INSERT INTO acl (addr, listed) VALUES (?, ?)
		ON CONFLICT(addr) DO UPDATE SET listed = excluded.listed;`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	_, err = stmt.Exec(addr, val)
	return err
}

func (a *SQLiteACL) Listed(addr string) (bool, error) {
	var val int
	err := a.db.QueryRow(`SELECT listed FROM acl WHERE addr = ?;`, addr).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val != 0, nil
}

func (a *SQLiteACL) Remove(addr string) error {
	_, err := a.db.Exec(`DELETE FROM acl WHERE addr = ?;`, addr)
	return err
}
