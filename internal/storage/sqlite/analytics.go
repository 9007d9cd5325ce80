package sqlite

import (
	"context"
	"strings"
	"time"

	playerdb "github.com/nodecraft/playerdb/internal"
)

// InsertDataPoints batch-inserts analytics records. The column order matches
// the dataset contract; a single multi-row INSERT avoids N round-trips.
func (s *Store) InsertDataPoints(ctx context.Context, points []playerdb.DataPoint) error {
	if len(points) == 0 {
		return nil
	}

	const cols = 16
	now := time.Now().Unix()
	placeholders := make([]string, len(points))
	args := make([]any, 0, len(points)*cols)

	for i, p := range points {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			p.Type, p.Error, p.RequestType, p.URL, p.UserAgent, p.Referer,
			p.Protocol, p.City, p.Colo, p.Country, p.TLSVersion,
			p.ASN, boolToInt(p.Cached), p.ResponseTimeMs, p.Status, now,
		)
	}

	query := `INSERT INTO data_points
		(type, error, request_type, url, user_agent, referer, protocol,
		 city, colo, country, tls_version, asn, cached, response_time_ms, status, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// CountDataPoints returns the total number of stored analytics records.
func (s *Store) CountDataPoints(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_points`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
