package escrow

import (
	"errors"
	"fmt"
)

// Code is the stable numeric error code surfaced to callers.
type Code uint32

const (
	CodeNotOwner Code = 100
	CodeNotFound Code = 101

	CodeUnauthorized     Code = 200
	CodeEscrowNotFound   Code = 201
	CodeAlreadyFunded    Code = 202
	CodeNotFunded        Code = 203
	CodeInvalidAmount    Code = 206
	CodeAlreadyCompleted Code = 207
	CodeAlreadyDisputed  Code = 208
	CodeInvalidStatus    Code = 209
	CodeSelfEscrow       Code = 210
)

// Error is a coded escrow failure. Two errors match under errors.Is when their
// codes are equal, regardless of the attached detail.
type Error struct {
	Code Code
	Name string
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("escrow: %s (%s u%d)", e.msg, e.Name, e.Code)
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e *Error) withDetail(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Name: e.Name, msg: e.msg + ": " + fmt.Sprintf(format, args...)}
}

var (
	ErrNotOwner = &Error{Code: CodeNotOwner, Name: "NOT_OWNER", msg: "caller is not the store owner"}
	ErrNotFound = &Error{Code: CodeNotFound, Name: "NOT_FOUND", msg: "record not found"}

	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Name: "UNAUTHORIZED", msg: "caller lacks the required role"}
	ErrEscrowNotFound   = &Error{Code: CodeEscrowNotFound, Name: "ESCROW_NOT_FOUND", msg: "escrow not found"}
	ErrAlreadyFunded    = &Error{Code: CodeAlreadyFunded, Name: "ALREADY_FUNDED", msg: "escrow is no longer in created state"}
	ErrNotFunded        = &Error{Code: CodeNotFunded, Name: "NOT_FUNDED", msg: "escrow has not been funded"}
	ErrInvalidAmount    = &Error{Code: CodeInvalidAmount, Name: "INVALID_AMOUNT", msg: "amount must be positive and fit in 256 bits"}
	ErrAlreadyCompleted = &Error{Code: CodeAlreadyCompleted, Name: "ALREADY_COMPLETED", msg: "escrow already completed"}
	ErrAlreadyDisputed  = &Error{Code: CodeAlreadyDisputed, Name: "ALREADY_DISPUTED", msg: "escrow already disputed"}
	ErrInvalidStatus    = &Error{Code: CodeInvalidStatus, Name: "INVALID_STATUS", msg: "operation not allowed in current status"}
	ErrSelfEscrow       = &Error{Code: CodeSelfEscrow, Name: "SELF_ESCROW", msg: "client and freelancer must differ"}
)

// Non-coded failures.
var (
	errNilState           = errors.New("escrow: state not configured")
	ErrInvalidInvoiceHash = errors.New("escrow: invoice hash must be empty or 32 bytes")
	ErrTreasuryConfigured = errors.New("escrow: treasury already configured")
	ErrTreasuryUnset      = errors.New("escrow: treasury not configured")
	ErrOwnerConfigured    = errors.New("escrow: store owner already configured")
	ErrOwnerUnset         = errors.New("escrow: store owner must be a non-zero address")
)

// CodeOf extracts the escrow code from err.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return 0, false
}
