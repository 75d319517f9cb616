package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	// Name is used for metrics tags and error messages.
	Name string

	// NumberedPlaceholders replaces ? placeholders with $1, $2, ...
	NumberedPlaceholders bool

	// SupportsRowLocks enables FOR UPDATE SKIP LOCKED when leasing events.
	SupportsRowLocks bool

	// TxOptions are used for all transactions. Nil uses the driver default.
	TxOptions *sql.TxOptions

	// IsDuplicateKey returns true if err is a unique constraint violation.
	IsDuplicateKey func(err error) bool

	// AfterEventsInserted is called in the transaction inserting events, e.g. to notify listeners.
	AfterEventsInserted func(tx *sql.Tx) error
}

func (d *Dialect) rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
