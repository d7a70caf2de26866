package builds

import "fmt"

// Error codes returned to the manual trigger API for UI-driven remediation.
const (
	CodeAppNotInstalled  = "APP_NOT_INSTALLED"
	CodeNoReleases       = "NO_RELEASES"
	CodeNoRepoLinked     = "NO_REPO_LINKED"
	CodeAppNotConfigured = "APP_NOT_CONFIGURED"
	CodePluginNotFound   = "PLUGIN_NOT_FOUND"
	CodeNotAuthor        = "NOT_AUTHOR"
)

// Error is a precondition or lookup failure with a stable code the UI can
// act on. These are never retried silently.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func codedError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
