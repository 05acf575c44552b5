package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// loadSQL reads id, display_name, photo_url, profile_url from table.
// Rows are ordered by id so repeated loads produce the same insertion order.
func loadSQL(ctx context.Context, driver, dsn, table string) ([]Record, error) {
	if table == "" {
		table = "profiles"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid catalog table name %q", table)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s catalog: %w", driver, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := fmt.Sprintf("SELECT id, display_name, photo_url, profile_url FROM %s ORDER BY id", table) //nolint:gosec // table name validated above
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r              Record
			photo, profile sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.DisplayName, &photo, &profile); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		r.PhotoRef = photo.String
		r.ProfileURL = profile.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog rows: %w", err)
	}
	return records, nil
}
