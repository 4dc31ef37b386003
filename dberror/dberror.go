// Package dberror defines the error taxonomy surfaced by the core and the
// single helper that classifies an HTTP response into it, so every caller
// (Client Manager, Dump Engine, Restore Engine) reports failures the same
// way.
package dberror

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
)

// Kind categorizes a failure the way the design splits error handling:
// configuration, connectivity, database lifecycle, per-collection,
// local I/O, and protocol errors.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally constructed.
	KindUnknown Kind = iota
	KindConfiguration
	KindConnectivity
	KindDatabaseLifecycle
	KindCollection
	KindLocalIO
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindDatabaseLifecycle:
		return "database-lifecycle"
	case KindCollection:
		return "collection"
	case KindLocalIO:
		return "local-io"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// DatabaseNotFound is the server errorNum ArangoDB-style clusters use to
// signal a missing database; the Client Manager and Restore Engine both key
// on it to decide between "fatal" and "create it and retry".
const DatabaseNotFound = 1228

// Error is the structured error type every component returns. HTTPStatus
// and ServerErrorNum are zero when not applicable (e.g. a LocalIO error).
type Error struct {
	Kind           Kind
	HTTPStatus     int
	ServerErrorNum int
	Message        string
	Collection     string
	Cause          error
}

func (e *Error) Error() string {
	switch {
	case e.Collection != "" && e.ServerErrorNum != 0:
		return fmt.Sprintf("%s: collection %q: server error %d: %s", e.Kind, e.Collection, e.ServerErrorNum, e.Message)
	case e.Collection != "":
		return fmt.Sprintf("%s: collection %q: %s", e.Kind, e.Collection, e.Message)
	case e.ServerErrorNum != 0:
		return fmt.Sprintf("%s: server error %d: %s", e.Kind, e.ServerErrorNum, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a non-protocol Error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ForCollection attaches a collection name, used by dump/restore jobs when
// reporting a per-collection failure into the engine's shared error list.
func (e *Error) ForCollection(name string) *Error {
	clone := *e
	clone.Collection = name
	return &clone
}

// Is lets callers write errors.Is(err, &dberror.Error{Kind: dberror.KindConnectivity})
// checks by matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// serverBody is the uniform JSON error envelope the cluster's HTTP API
// returns on failure.
type serverBody struct {
	Error        bool   `json:"error"`
	ErrorNum     int    `json:"errorNum"`
	ErrorMessage string `json:"errorMessage"`
	Code         int    `json:"code"`
}

// Classify is the single HTTP Response Check helper: it inspects a
// completed response and produces a structured Error so that all callers
// classify failures identically. A nil error means the response was a
// success (2xx).
func Classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed serverBody
	kind := kindForStatus(resp.StatusCode)
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil && parsed.ErrorNum != 0 {
		if parsed.ErrorNum == DatabaseNotFound {
			kind = KindDatabaseLifecycle
		}
		return &Error{
			Kind:           kind,
			HTTPStatus:     resp.StatusCode,
			ServerErrorNum: parsed.ErrorNum,
			Message:        parsed.ErrorMessage,
		}
	}

	return &Error{
		Kind:       kind,
		HTTPStatus: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode),
	}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindDatabaseLifecycle
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindConnectivity
	case status >= 500:
		return KindConnectivity
	case status >= 400:
		return KindProtocol
	default:
		return KindProtocol
	}
}
