package db

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
var (
	// ErrConnection marks failures to reach or authenticate with SurrealDB.
	ErrConnection = errors.New("surrealdb connection failed")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// Concurrent writers touching the same records trigger it.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrInvalidPredicate indicates a predicate that cannot be compiled to SurrealQL.
	ErrInvalidPredicate = errors.New("invalid predicate")
)

// wrapQueryError marks known SurrealDB query errors with a sentinel.
// Unknown errors are returned unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		if strings.Contains(queryErr.Message, "Transaction conflict") {
			return errors.Mark(errors.Wrap(err, "query"), ErrTransactionConflict)
		}
	}
	return err
}
