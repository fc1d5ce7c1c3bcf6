package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for merge operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeCancelled       ErrorCode = 1001

	// Per-key errors, recovered inside a unit
	ErrCodeDeserialization ErrorCode = 2000
	ErrCodePolicyExecution ErrorCode = 2001

	// Unit-level errors, abort the unit
	ErrCodeCapabilityInjection  ErrorCode = 3000
	ErrCodeStructureUnavailable ErrorCode = 3001

	ErrCodeInternal ErrorCode = 4000
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                   "OK",
	ErrCodeInvalidArgument:      "InvalidArgument",
	ErrCodeCancelled:            "Cancelled",
	ErrCodeDeserialization:      "DeserializationError",
	ErrCodePolicyExecution:      "PolicyExecutionError",
	ErrCodeCapabilityInjection:  "CapabilityInjectionError",
	ErrCodeStructureUnavailable: "StructureUnavailableError",
	ErrCodeInternal:             "InternalError",
}

// String returns the error kind name used in run reports
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// MergeError represents a structured error with code and context
type MergeError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *MergeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *MergeError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts MergeError to gRPC status
func (e *MergeError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// ToGRPCStatus converts any error to a gRPC status. Errors that are not
// MergeErrors map to Internal; nil maps to OK.
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var me *MergeError
	if stderrors.As(err, &me) {
		return status.New(me.toGRPCCode(), err.Error())
	}
	return status.New(codes.Internal, err.Error())
}

func (e *MergeError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeCancelled:
		return codes.Canceled
	case ErrCodeDeserialization:
		return codes.DataLoss
	case ErrCodeCapabilityInjection:
		return codes.FailedPrecondition
	case ErrCodeStructureUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewMergeError creates a new MergeError
func NewMergeError(code ErrorCode, message string, cause error) *MergeError {
	return &MergeError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *MergeError) WithDetail(key string, value interface{}) *MergeError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *MergeError {
	return NewMergeError(ErrCodeInvalidArgument, message, cause)
}

func Cancelled(cause error) *MergeError {
	return NewMergeError(ErrCodeCancelled, "merge cancelled before dispatch", cause)
}

// Deserialization reports a value whose encoded type cannot be resolved in this process.
func Deserialization(message string, cause error) *MergeError {
	return NewMergeError(ErrCodeDeserialization, message, cause)
}

func PolicyExecution(policy string, cause error) *MergeError {
	return NewMergeError(ErrCodePolicyExecution, fmt.Sprintf("merge policy %s failed", policy), cause).
		WithDetail("policy", policy)
}

func CapabilityInjection(capability, reason string, cause error) *MergeError {
	return NewMergeError(ErrCodeCapabilityInjection,
		fmt.Sprintf("cannot inject capability %s: %s", capability, reason), cause).
		WithDetail("capability", capability)
}

func StructureUnavailable(structureID string, cause error) *MergeError {
	return NewMergeError(ErrCodeStructureUnavailable,
		fmt.Sprintf("structure %s is unavailable", structureID), cause).
		WithDetail("structure_id", structureID)
}

func Internal(message string, cause error) *MergeError {
	return NewMergeError(ErrCodeInternal, message, cause)
}

// IsMergeError checks if an error is, or wraps, a MergeError
func IsMergeError(err error) bool {
	var me *MergeError
	return stderrors.As(err, &me)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var me *MergeError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeInternal
}

// Kind returns the report name of an error's code
func Kind(err error) string {
	return GetCode(err).String()
}

func IsDeserialization(err error) bool {
	return GetCode(err) == ErrCodeDeserialization
}

func IsStructureUnavailable(err error) bool {
	return GetCode(err) == ErrCodeStructureUnavailable
}

func IsCapabilityInjection(err error) bool {
	return GetCode(err) == ErrCodeCapabilityInjection
}
