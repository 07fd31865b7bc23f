package services

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	apperrors "github.com/gratipay/gratipay-server/pkg/errors"
)

// Domain errors surfaced to API consumers.
var (
	// ErrEmailTaken indicates the address is already verified on another account.
	ErrEmailTaken = &apperrors.AppError{
		Code:       "EMAIL_TAKEN",
		Message:    "That email address is already connected to a different account",
		StatusCode: http.StatusConflict,
	}

	// ErrEmailAlreadyVerified indicates the participant has already verified the address.
	ErrEmailAlreadyVerified = &apperrors.AppError{
		Code:       "EMAIL_ALREADY_VERIFIED",
		Message:    "You have already added and verified that address",
		StatusCode: http.StatusBadRequest,
	}

	// ErrEmailNotOnFile indicates an operation referenced an address the participant never added.
	ErrEmailNotOnFile = &apperrors.AppError{
		Code:       "EMAIL_NOT_ON_FILE",
		Message:    "That email address is not on file for this account",
		StatusCode: http.StatusBadRequest,
	}

	// ErrEmailNotVerified indicates the address exists but has not been verified yet.
	ErrEmailNotVerified = &apperrors.AppError{
		Code:       "EMAIL_NOT_VERIFIED",
		Message:    "That email address is not verified",
		StatusCode: http.StatusBadRequest,
	}

	// ErrTooManyEmailAddresses indicates the per-account address cap was reached.
	ErrTooManyEmailAddresses = &apperrors.AppError{
		Code:       "TOO_MANY_EMAIL_ADDRESSES",
		Message:    "You've reached the maximum number of email addresses we allow",
		StatusCode: http.StatusBadRequest,
	}

	// ErrCannotRemovePrimaryEmail indicates an attempt to delete the primary address.
	ErrCannotRemovePrimaryEmail = &apperrors.AppError{
		Code:       "CANNOT_REMOVE_PRIMARY_EMAIL",
		Message:    "You cannot remove your primary email address",
		StatusCode: http.StatusBadRequest,
	}

	// ErrNoPackages indicates a claim was started with an empty package list.
	ErrNoPackages = &apperrors.AppError{
		Code:       "NO_PACKAGES",
		Message:    "At least one package is required",
		StatusCode: http.StatusBadRequest,
	}

	// ErrOutOfOptions indicates no free slug could be found for a new team.
	ErrOutOfOptions = &apperrors.AppError{
		Code:       "OUT_OF_OPTIONS",
		Message:    "We were unable to find an available slug for the team",
		StatusCode: http.StatusConflict,
	}
)

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") ||
		strings.Contains(lower, "duplicate") ||
		strings.Contains(lower, "constraint")
}
