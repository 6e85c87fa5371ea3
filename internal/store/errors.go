package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrInvalidArgument is returned before any query when input fails validation.
	ErrInvalidArgument = errors.New("store: invalid argument")
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConstraintViolation is returned when a write would break a uniqueness rule.
	ErrConstraintViolation = errors.New("store: constraint violation")
	// ErrConflict is returned when a record cannot change because others depend on it.
	ErrConflict = errors.New("store: conflict")
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// translate maps driver errors onto the package sentinels and prefixes op.
// Errors that already carry a sentinel pass through with the prefix only.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("store: %s: %w (%s)", op, ErrConstraintViolation, pqErr.Constraint)
		case pqForeignKeyViolation:
			return fmt.Errorf("store: %s: %w (%s)", op, ErrConflict, pqErr.Constraint)
		}
	}

	return fmt.Errorf("store: %s: %w", op, err)
}
