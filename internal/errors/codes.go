package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for asset store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeLockNotHeld        ErrorCode = 1001
	ErrCodeCheckpointNotFound ErrorCode = 1002

	// Contention and upstream errors
	ErrCodeLockTimeout   ErrorCode = 2000
	ErrCodeVisionTimeout ErrorCode = 2001
	ErrCodeCircuitOpen   ErrorCode = 2002

	// Store errors
	ErrCodeInternal          ErrorCode = 3000
	ErrCodeLockFailed        ErrorCode = 3001
	ErrCodeVersionFailed     ErrorCode = 3002
	ErrCodeCacheCorrupted    ErrorCode = 3003
	ErrCodeCheckpointInvalid ErrorCode = 3004
	ErrCodeDiskFull          ErrorCode = 3005
)

// String returns a stable name for the code, used in logs and JSON responses
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeLockNotHeld:
		return "LOCK_NOT_HELD"
	case ErrCodeCheckpointNotFound:
		return "CHECKPOINT_NOT_FOUND"
	case ErrCodeLockTimeout:
		return "LOCK_TIMEOUT"
	case ErrCodeVisionTimeout:
		return "VISION_TIMEOUT"
	case ErrCodeCircuitOpen:
		return "CIRCUIT_OPEN"
	case ErrCodeLockFailed:
		return "LOCK_FAILED"
	case ErrCodeVersionFailed:
		return "VERSION_FAILED"
	case ErrCodeCacheCorrupted:
		return "CACHE_CORRUPTED"
	case ErrCodeCheckpointInvalid:
		return "CHECKPOINT_INVALID"
	case ErrCodeDiskFull:
		return "DISK_FULL"
	default:
		return "INTERNAL"
	}
}

// AssetError represents a structured error with code and context
type AssetError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *AssetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *AssetError) Unwrap() error {
	return e.Cause
}

// Is matches another AssetError by code, so sentinel comparisons work through wrapping
func (e *AssetError) Is(target error) bool {
	t, ok := target.(*AssetError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts AssetError to gRPC status
func (e *AssetError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *AssetError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeLockNotHeld:
		return codes.FailedPrecondition
	case ErrCodeCheckpointNotFound:
		return codes.NotFound
	case ErrCodeLockTimeout, ErrCodeVisionTimeout:
		return codes.DeadlineExceeded
	case ErrCodeCircuitOpen:
		return codes.Unavailable
	case ErrCodeCacheCorrupted, ErrCodeCheckpointInvalid:
		return codes.DataLoss
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// NewAssetError creates a new AssetError
func NewAssetError(code ErrorCode, message string, cause error) *AssetError {
	return &AssetError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *AssetError) WithDetail(key string, value interface{}) *AssetError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *AssetError {
	return NewAssetError(ErrCodeInvalidArgument, message, cause)
}

func InvalidAssetID(assetID, reason string) *AssetError {
	return NewAssetError(ErrCodeInvalidArgument, fmt.Sprintf("invalid asset ID '%s': %s", assetID, reason), nil).
		WithDetail("asset_id", assetID).
		WithDetail("reason", reason)
}

func InvalidKey(key, reason string) *AssetError {
	return NewAssetError(ErrCodeInvalidArgument, fmt.Sprintf("invalid cache key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

// LockTimeout carries the operator message verbatim; callers print Message as-is.
func LockTimeout(assetID string, waited time.Duration, attempts int, message string) *AssetError {
	return NewAssetError(ErrCodeLockTimeout, message, nil).
		WithDetail("asset_id", assetID).
		WithDetail("waited", waited.String()).
		WithDetail("attempts", attempts)
}

func LockFailed(assetID string, cause error) *AssetError {
	return NewAssetError(ErrCodeLockFailed, fmt.Sprintf("failed to acquire version lock for asset %s", assetID), cause).
		WithDetail("asset_id", assetID)
}

func LockNotHeld(assetID string) *AssetError {
	return NewAssetError(ErrCodeLockNotHeld, fmt.Sprintf("version lock for asset %s is not held", assetID), nil).
		WithDetail("asset_id", assetID)
}

func VersionFailed(assetID, message string, cause error) *AssetError {
	return NewAssetError(ErrCodeVersionFailed, fmt.Sprintf("versioning asset %s: %s", assetID, message), cause).
		WithDetail("asset_id", assetID)
}

func VisionTimeout(batchID string, attempts int, cause error) *AssetError {
	return NewAssetError(ErrCodeVisionTimeout, fmt.Sprintf("vision call timed out after %d attempts", attempts), cause).
		WithDetail("batch_id", batchID).
		WithDetail("attempts", attempts)
}

func CircuitOpen(batchID string, consecutive int, message string) *AssetError {
	return NewAssetError(ErrCodeCircuitOpen, message, nil).
		WithDetail("batch_id", batchID).
		WithDetail("consecutive_timeouts", consecutive)
}

func CacheCorrupted(path string, cause error) *AssetError {
	return NewAssetError(ErrCodeCacheCorrupted, fmt.Sprintf("cache metadata %s is corrupted", path), cause).
		WithDetail("path", path)
}

func CheckpointInvalid(batchID string, cause error) *AssetError {
	return NewAssetError(ErrCodeCheckpointInvalid, fmt.Sprintf("checkpoint for batch %s is invalid", batchID), cause).
		WithDetail("batch_id", batchID)
}

func CheckpointNotFound(batchID string) *AssetError {
	return NewAssetError(ErrCodeCheckpointNotFound, fmt.Sprintf("checkpoint not found for batch %s", batchID), nil).
		WithDetail("batch_id", batchID)
}

func DiskFull(usagePercent float64, availableBytes uint64) *AssetError {
	return NewAssetError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func InternalError(message string, cause error) *AssetError {
	return NewAssetError(ErrCodeInternal, message, cause)
}

// IsAssetError checks if an error is, or wraps, an AssetError
func IsAssetError(err error) bool {
	var ae *AssetError
	return stderrors.As(err, &ae)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ae *AssetError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// GRPCCode returns the gRPC code for any error, Internal for foreign errors
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ae *AssetError
	if stderrors.As(err, &ae) {
		return ae.toGRPCCode()
	}
	return codes.Internal
}
