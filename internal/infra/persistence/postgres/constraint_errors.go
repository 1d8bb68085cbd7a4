package postgres

import (
	"strings"

	"calsync/internal/errors"

	"gorm.io/gorm"
)

// SQLSTATE codes, plus the messages sqlite uses for the same violations in tests.
var (
	uniqueViolationMarkers  = []string{"23505", "duplicate key", "unique constraint"}
	notNullViolationMarkers = []string{"23502", "null value", "not null"}
)

// isUniqueConstraintViolation reports a second active credential for a user, which the
// partial unique index on calendar_credentials rejects.
func isUniqueConstraintViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || messageHasAny(err, uniqueViolationMarkers)
}

func isNotNullConstraintViolation(err error) bool {
	return messageHasAny(err, notNullViolationMarkers)
}

func messageHasAny(err error, markers []string) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
