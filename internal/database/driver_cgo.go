//go:build sqlite_cgo

package database

import _ "github.com/mattn/go-sqlite3" // cgo driver, opt-in via -tags sqlite_cgo

const driverName = "sqlite3"

func buildConnectionString(path string, profile Profile) string {
	connStr := path + "?_journal_mode=WAL"

	switch profile {
	case ProfileLedger:
		connStr += "&_synchronous=FULL"
		connStr += "&_auto_vacuum=NONE"
	case ProfileCache:
		connStr += "&_synchronous=OFF"
		connStr += "&_auto_vacuum=FULL"
	default:
		connStr += "&_synchronous=NORMAL"
		connStr += "&_auto_vacuum=INCREMENTAL"
	}

	connStr += "&_foreign_keys=1"
	connStr += "&_busy_timeout=5000"
	connStr += "&_cache_size=-64000"
	return connStr
}
