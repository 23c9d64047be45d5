// Package codec converts between SQLite column values and higher-level
// Go scalars.
//
// Every conversion is null-safe: a nil input encodes to SQL NULL (a nil
// driver value) and a NULL column decodes to nil. The functions are pure
// and safe for concurrent use.
//
// Storage formats:
//   - text:      TEXT, verbatim
//   - URL:       TEXT, the absolute string form of the URL
//   - timestamp: REAL, seconds since the Unix epoch (microsecond precision)
//   - boolean:   INTEGER, 0 or 1; NULL reads as false
package codec

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"net/url"
	"time"
)

// EncodeText returns the bind value for an optional string.
func EncodeText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// DecodeText returns the string held by a column, or nil for NULL.
func DecodeText(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// EncodeURL returns the bind value for an optional URL.
// The URL is stored in its absolute string form.
func EncodeURL(u *url.URL) any {
	if u == nil {
		return nil
	}
	return u.String()
}

// DecodeURL parses a TEXT column as an absolute URL.
// NULL, text that does not parse and relative references all decode to
// nil, so one malformed value never fails the whole row read.
func DecodeURL(v sql.NullString) *url.URL {
	if !v.Valid {
		return nil
	}
	u, err := url.Parse(v.String)
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}

// EncodeTime returns the bind value for an optional timestamp as Unix
// seconds. Precision below one microsecond is dropped.
func EncodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return float64(t.UnixMicro()) / 1e6
}

// DecodeTime converts a REAL column holding Unix seconds to a UTC time.
func DecodeTime(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	sec, frac := math.Modf(v.Float64)
	t := time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
	return &t
}

// EncodeBool returns the bind value for an optional boolean as 0/1.
func EncodeBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return int64(1)
	}
	return int64(0)
}

// IsNullOrFalse reports whether an INTEGER column is NULL or zero.
// Both are treated as "false/absent".
func IsNullOrFalse(v sql.NullInt64) bool {
	return !v.Valid || v.Int64 == 0
}

// NullText scans a nullable TEXT column.
type NullText struct {
	Text *string
}

// Scan implements sql.Scanner.
func (n *NullText) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return fmt.Errorf("scan text: %w", err)
	}
	n.Text = DecodeText(ns)
	return nil
}

// Value implements driver.Valuer.
func (n NullText) Value() (driver.Value, error) {
	return EncodeText(n.Text), nil
}

// NullURL scans a nullable URL column. Text that is not an absolute URL
// scans as nil.
type NullURL struct {
	URL *url.URL
}

// Scan implements sql.Scanner.
func (n *NullURL) Scan(src any) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return fmt.Errorf("scan url: %w", err)
	}
	n.URL = DecodeURL(ns)
	return nil
}

// Value implements driver.Valuer.
func (n NullURL) Value() (driver.Value, error) {
	return EncodeURL(n.URL), nil
}

// NullTime scans a nullable REAL timestamp column.
type NullTime struct {
	Time *time.Time
}

// Scan implements sql.Scanner.
func (n *NullTime) Scan(src any) error {
	var nf sql.NullFloat64
	if err := nf.Scan(src); err != nil {
		return fmt.Errorf("scan time: %w", err)
	}
	n.Time = DecodeTime(nf)
	return nil
}

// Value implements driver.Valuer.
func (n NullTime) Value() (driver.Value, error) {
	return EncodeTime(n.Time), nil
}
