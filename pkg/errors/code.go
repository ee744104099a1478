package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Sandbox errors (screening, compilation, execution)

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	ServiceUnavailable  ErrorCode = 10007
	Canceled            ErrorCode = 10009

	// Configuration errors (10100-10199)
	ConfigInvalid    ErrorCode = 10100
	ConfigLoadFailed ErrorCode = 10101

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// ========== Sandbox Errors (13000-13999) ==========

	// Screening (13000-13099)
	SecurityViolation ErrorCode = 13000

	// Compilation (13100-13199)
	ToolchainNotFound ErrorCode = 13100
	CompilationError  ErrorCode = 13101
	CompileTimeout    ErrorCode = 13102

	// Execution (13200-13299)
	RuntimeError        ErrorCode = 13200
	TimeLimitExceeded   ErrorCode = 13201
	MemoryLimitExceeded ErrorCode = 13202
	OutputLimitExceeded ErrorCode = 13203

	// Infrastructure (13300-13399)
	WorkspaceError     ErrorCode = 13300
	SandboxSetupFailed ErrorCode = 13301
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	ServiceUnavailable:  "Service temporarily unavailable",
	Canceled:            "Request canceled",

	// Configuration
	ConfigInvalid:    "Invalid configuration",
	ConfigLoadFailed: "Failed to load configuration",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Screening
	SecurityViolation: "Source rejected by security screening",

	// Compilation
	ToolchainNotFound: "Toolchain not found",
	CompilationError:  "Compilation error",
	CompileTimeout:    "Compilation timed out",

	// Execution
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",

	// Infrastructure
	WorkspaceError:     "Workspace operation failed",
	SandboxSetupFailed: "Sandbox setup failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitCode maps the error code to a process exit status for the CLI.
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c >= 10300 && c < 10400, c == InvalidParams:
		return 2
	case c >= 10100 && c < 10200:
		return 3
	case c == Canceled:
		return 130
	default:
		return 1
	}
}
