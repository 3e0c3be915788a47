package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for database operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAlreadyExists indicates a CREATE hit an existing record or a
	// unique index. Callers usually reload and retry as an update.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// This occurs when concurrent writers touch the same records.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// Messages thrown by our own queries.
const (
	msgJobRunning  = "service already has a running harvest job"
	msgJobNotFound = "harvest job does not exist"
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// sentinel. Errors that are not a QueryError are returned unchanged.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		switch {
		case strings.Contains(msg, msgJobRunning):
			return fmt.Errorf("%w: %s", store.ErrConflict, msg)
		case strings.Contains(msg, msgJobNotFound):
			return fmt.Errorf("%w: %s", store.ErrNotFound, msg)
		case strings.Contains(msg, "already exists"), strings.Contains(msg, "already contains"):
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		case strings.Contains(msg, "Transaction conflict"):
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
