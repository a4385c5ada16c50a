package db

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const mysqlDuplicateEntry = 1062

// ScanRow scans a single-row result into dest. A missing row is reported as
// notFound so each repository can surface its own sentinel.
func ScanRow(row Row, notFound error, dest ...interface{}) error {
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

// DuplicateKey reports whether err is a MySQL duplicate entry error and names
// the violated key.
func DuplicateKey(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return duplicateKeyName(myErr.Message), true
	}
	return "", false
}

func duplicateKeyName(message string) string {
	const marker = "for key "
	idx := strings.LastIndex(message, marker)
	if idx == -1 {
		return ""
	}
	key := strings.TrimSpace(message[idx+len(marker):])
	return strings.Trim(key, " `\"'")
}
