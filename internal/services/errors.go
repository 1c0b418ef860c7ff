package services

import "errors"

type ErrorCode string

const (
	ErrorInvalid              ErrorCode = "invalid"
	ErrorForbidden            ErrorCode = "forbidden"
	ErrorNotFound             ErrorCode = "not_found"
	ErrorConflict             ErrorCode = "conflict"
	ErrorUnauthorized         ErrorCode = "unauthorized"
	ErrorGenderRequired       ErrorCode = "gender_required"
	ErrorGenderMismatch       ErrorCode = "gender_mismatch"
	ErrorLinkFull             ErrorCode = "link_full"
	ErrorRoomExpired          ErrorCode = "room_expired"
	ErrorStorageUnavailable   ErrorCode = "storage_unavailable"
	ErrorGroupFormationFailed ErrorCode = "group_formation_failed"
)

// ErrDuplicateFingerprint is returned by stores when an arrival is recorded
// for a (proxyId, fingerprint) pair that already has a participant record.
var ErrDuplicateFingerprint = errors.New("duplicate fingerprint")

// ErrGroupAlreadyFormed is returned by stores when a link already carries a
// group session and a second one is attempted.
var ErrGroupAlreadyFormed = errors.New("group already formed")

type ServiceError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error   { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewForbiddenError(msg string) error { return &ServiceError{Code: ErrorForbidden, Message: msg} }
func NewNotFoundError(msg string) error  { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewConflictError(msg string) error  { return &ServiceError{Code: ErrorConflict, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func NewLinkNotFoundError() error { return &ServiceError{Code: ErrorNotFound, Message: "link not found"} }

func NewLinkFullError() error {
	return &ServiceError{Code: ErrorLinkFull, Message: "this link has reached its participant limit"}
}

func NewRoomExpiredError() error {
	return &ServiceError{Code: ErrorRoomExpired, Message: "the waiting room for this link has expired"}
}

func NewGenderRequiredError(link *Link) error {
	return &ServiceError{
		Code:    ErrorGenderRequired,
		Message: "gender is required for this link",
		Details: map[string]any{"groupName": link.GroupName, "category": link.Category},
	}
}

func NewGenderMismatchError(link *Link) error {
	return &ServiceError{
		Code:    ErrorGenderMismatch,
		Message: "this link is restricted to a different participant group",
		Details: map[string]any{"groupName": link.GroupName, "category": link.Category},
	}
}

func NewStorageUnavailableError(err error) error {
	return &ServiceError{Code: ErrorStorageUnavailable, Message: "storage unavailable, please try again", Err: err}
}

func NewGroupFormationFailedError(err error) error {
	return &ServiceError{Code: ErrorGroupFormationFailed, Message: "group formation failed, please try again", Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err is a ServiceError carrying code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}

// storageError keeps typed service errors intact and reports anything else
// coming out of a store as StorageUnavailable.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsServiceError(err); ok {
		return err
	}
	return NewStorageUnavailableError(err)
}
