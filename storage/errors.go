package storage

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of storage errors
type ErrorCode int

const (
	// Generic errors
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInternal
	ErrCodeInvalidConfig

	// Page errors
	ErrCodePageNotFound
	ErrCodeInvalidPageID

	// Buffer pool errors
	ErrCodeNoFreePages
	ErrCodePagePinned
	ErrCodeInvalidPin

	// Disk errors
	ErrCodeDiskReadFailed
	ErrCodeDiskWriteFailed
	ErrCodeDiskAllocFailed
	ErrCodePageCorrupted
)

// StorageError represents a storage engine error with context
type StorageError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches any StorageError with the same code
func (e *StorageError) Is(target error) bool {
	if t, ok := target.(*StorageError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewStorageError creates a new storage error
func NewStorageError(code ErrorCode, op, message string, err error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

// Sentinels for errors.Is. They match by code only.
var (
	ErrPoolExhausted     = &StorageError{Code: ErrCodeNoFreePages, Message: "buffer pool exhausted"}
	ErrUnknownPage       = &StorageError{Code: ErrCodePageNotFound, Message: "page not resident"}
	ErrPageInUse         = &StorageError{Code: ErrCodePagePinned, Message: "page in use"}
	ErrPinCountUnderflow = &StorageError{Code: ErrCodeInvalidPin, Message: "pin count underflow"}
	ErrPageCorrupt       = &StorageError{Code: ErrCodePageCorrupted, Message: "page corrupted"}
)

// Helper functions for common errors

func ErrPageNotFound(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodePageNotFound,
		op,
		fmt.Sprintf("page %d not found in buffer pool", pageID),
		nil,
	)
}

func ErrInvalidPageID(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPageID,
		op,
		fmt.Sprintf("invalid page id %d", pageID),
		nil,
	)
}

func ErrNoFreePages(op string) *StorageError {
	return NewStorageError(
		ErrCodeNoFreePages,
		op,
		"no free or evictable frame in buffer pool",
		nil,
	)
}

func ErrPagePinned(op string, pageID PageID, pinCount int32) *StorageError {
	return NewStorageError(
		ErrCodePagePinned,
		op,
		fmt.Sprintf("page %d is pinned (pin count: %d)", pageID, pinCount),
		nil,
	)
}

func ErrPinUnderflow(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPin,
		op,
		fmt.Sprintf("page %d is not pinned", pageID),
		nil,
	)
}

func ErrDiskRead(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskReadFailed,
		op,
		fmt.Sprintf("failed to read page %d", pageID),
		err,
	)
}

func ErrDiskWrite(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskWriteFailed,
		op,
		fmt.Sprintf("failed to write page %d", pageID),
		err,
	)
}

func ErrCorruptPage(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodePageCorrupted,
		op,
		fmt.Sprintf("page %d failed verification", pageID),
		err,
	)
}

func ErrDiskAlloc(op string, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskAllocFailed,
		op,
		"page store operation failed",
		err,
	)
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeUnknown
}

// IsStorageIOError reports whether err came from the page store
func IsStorageIOError(err error) bool {
	switch GetErrorCode(err) {
	case ErrCodeDiskReadFailed, ErrCodeDiskWriteFailed, ErrCodeDiskAllocFailed, ErrCodePageCorrupted:
		return true
	}
	return false
}
