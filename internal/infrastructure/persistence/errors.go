package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	domainErrors "github.com/convogate/gateway/pkg/errors"
)

const pgUniqueViolation = "23505"

// isDuplicateKey 识别唯一约束冲突
// TranslateError 已覆盖大部分情况, 这里兜底识别原始驱动错误
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// translate 把 GORM 错误转换为领域错误
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domainErrors.NewNotFoundError(what + " not found")
	case isDuplicateKey(err):
		return domainErrors.NewConflictError(what+" already exists", err)
	default:
		return domainErrors.NewInternalErrorWithCause("failed to access "+what, err)
	}
}
