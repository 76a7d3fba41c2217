package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrCanceled         = fmt.Errorf("canceled")
)

// Plugin host sentinels.
var (
	ErrValidation           = fmt.Errorf("manifest validation failed")
	ErrProtocolIncompatible = fmt.Errorf("plugin protocol incompatible with host")
	ErrChannelNotFound      = fmt.Errorf("channel not found")
	ErrProcessNotRunning    = fmt.Errorf("backend process not running")
	ErrProcessCrash         = fmt.Errorf("backend process exited unexpectedly")
	ErrIntegrity            = fmt.Errorf("integrity check failed, content may be tampered")
	ErrIOFailure            = fmt.Errorf("i/o failure")
	ErrAccessDenied         = fmt.Errorf("access denied")
	ErrPathOutsideSandbox   = fmt.Errorf("path is outside sandbox boundary")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrGatewayAuthFailed    = fmt.Errorf("gateway authentication failed")
	ErrRPCMethodNotFound    = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload    = fmt.Errorf("rpc payload invalid")
	ErrURLBlocked           = fmt.Errorf("url blocked by network policy")
	ErrAuditWrite           = fmt.Errorf("failed to write audit log")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Supervisor.Call")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "installer", "exthost"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PermissionError is returned when a capability call lacks declared permissions.
type PermissionError struct {
	PluginID string
	Module   string
	Method   string
	Missing  []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: plugin %q calling %s.%s is missing permissions: %s",
		ErrPermissionDenied, e.PluginID, e.Module, e.Method, strings.Join(e.Missing, ", "))
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// NewPermissionError builds a PermissionError with a stable, sorted missing list.
func NewPermissionError(pluginID, module, method string, missing []string) *PermissionError {
	m := append([]string(nil), missing...)
	sort.Strings(m)
	return &PermissionError{PluginID: pluginID, Module: module, Method: method, Missing: m}
}

// ErrorCode is a machine-parseable error category for the UI and logs.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeDuplicate            ErrorCode = "DUPLICATE"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeLimitReached         ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeCanceled             ErrorCode = "CANCELED"
	CodeValidation           ErrorCode = "MANIFEST_INVALID"
	CodeProtocolIncompatible ErrorCode = "PROTOCOL_INCOMPATIBLE"
	CodeChannelNotFound      ErrorCode = "CHANNEL_NOT_FOUND"
	CodeProcessNotRunning    ErrorCode = "PROCESS_NOT_RUNNING"
	CodeProcessCrash         ErrorCode = "PROCESS_CRASH"
	CodeIntegrity            ErrorCode = "INTEGRITY_FAILURE"
	CodeIOFailure            ErrorCode = "IO_FAILURE"
	CodeAccessDenied         ErrorCode = "ACCESS_DENIED"
	CodePathOutsideSandbox   ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound    ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload    ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeURLBlocked           ErrorCode = "URL_BLOCKED"
	CodeAuditWrite           ErrorCode = "AUDIT_WRITE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodePluginNotFound    ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginPermission  ErrorCode = "PLUGIN_PERMISSION"
	CodeInstallInProgress ErrorCode = "INSTALL_IN_PROGRESS"
	CodeAlreadyInstalled  ErrorCode = "ALREADY_INSTALLED"
	CodeBackendTimeout    ErrorCode = "BACKEND_TIMEOUT"
	CodeReadyTimeout      ErrorCode = "READY_TIMEOUT"
	CodeModuleNotFound    ErrorCode = "MODULE_NOT_FOUND"
	CodeCallRateLimited   ErrorCode = "CALL_RATE_LIMITED"
	CodeProcessNotFound   ErrorCode = "PROCESS_NOT_FOUND"
	CodeProcessMax        ErrorCode = "PROCESS_MAX_SESSIONS"
	CodeInstallCanceled   ErrorCode = "INSTALL_CANCELED"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:             CodeNotFound,
	ErrDuplicate:            CodeDuplicate,
	ErrTimeout:              CodeTimeout,
	ErrLimitReached:         CodeLimitReached,
	ErrPermissionDenied:     CodePermissionDenied,
	ErrInvalidInput:         CodeInvalidInput,
	ErrCanceled:             CodeCanceled,
	ErrValidation:           CodeValidation,
	ErrProtocolIncompatible: CodeProtocolIncompatible,
	ErrChannelNotFound:      CodeChannelNotFound,
	ErrProcessNotRunning:    CodeProcessNotRunning,
	ErrProcessCrash:         CodeProcessCrash,
	ErrIntegrity:            CodeIntegrity,
	ErrIOFailure:            CodeIOFailure,
	ErrAccessDenied:         CodeAccessDenied,
	ErrPathOutsideSandbox:   CodePathOutsideSandbox,
	ErrConfigLoad:           CodeConfigLoad,
	ErrGatewayAuthFailed:    CodeGatewayAuth,
	ErrRPCMethodNotFound:    CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:    CodeRPCInvalidPayload,
	ErrURLBlocked:           CodeURLBlocked,
	ErrAuditWrite:           CodeAuditWrite,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry": CodePluginNotFound,
		"exthost":  CodeModuleNotFound,
		"process":  CodeProcessNotFound,
	},
	ErrDuplicate: {
		"installer": CodeAlreadyInstalled,
	},
	ErrTimeout: {
		"supervisor": CodeBackendTimeout,
		"ready":      CodeReadyTimeout,
	},
	ErrLimitReached: {
		"installer": CodeInstallInProgress,
		"exthost":   CodeCallRateLimited,
		"process":   CodeProcessMax,
	},
	ErrPermissionDenied: {
		"exthost":  CodePluginPermission,
		"registry": CodePluginPermission,
	},
	ErrCanceled: {
		"installer": CodeInstallCanceled,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
