package repository

import (
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// isUniqueViolation はerrがPostgreSQLの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// isUUID はidがUUIDとして解釈できるかどうかを判定する。
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
