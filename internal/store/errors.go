package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Error kinds surfaced by the store. Callers match them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("unique constraint violated")
	ErrForeignKeyViolation = errors.New("foreign key violation")
)

func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrForeignKeyViolation, pqErr.Message)
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", ErrForeignKeyViolation, msg)
	}

	return err
}
