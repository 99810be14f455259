/*
Copyright 2024 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policygate

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why a resource could not be produced. Callers switch on
// the kind to decide between fail-closed and fail-open handling.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// No usable artifact could be produced and no stale copy was permitted.
	KindResourceUnavailable
	// The URL did not match any whitelist pattern. Never retried.
	KindUrlNotPermitted
	// A URL was expected in the message but none was found.
	KindUrlNotFound
	// The URL is syntactically invalid or ambiguous.
	KindMalformedResourceUrl
	// The resource could not be downloaded.
	KindResourceIO
	// The resource was downloaded but did not compile.
	KindResourceParse
	// The message is too malformed to extract a resource reference from.
	KindInvalidMessage
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindResourceUnavailable:  "resource unavailable",
	KindUrlNotPermitted:      "url not permitted",
	KindUrlNotFound:          "url not found",
	KindMalformedResourceUrl: "malformed resource url",
	KindResourceIO:           "resource io",
	KindResourceParse:        "resource parse",
	KindInvalidMessage:       "invalid message",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ResourceError is returned by the ObjectCache and the ResourceGetter.
type ResourceError struct {
	Kind    ErrorKind
	Locator string
	Err     error
}

// Sentinels for use with errors.Is()
var (
	ErrResourceUnavailable  = &ResourceError{Kind: KindResourceUnavailable}
	ErrUrlNotPermitted      = &ResourceError{Kind: KindUrlNotPermitted}
	ErrUrlNotFound          = &ResourceError{Kind: KindUrlNotFound}
	ErrMalformedResourceUrl = &ResourceError{Kind: KindMalformedResourceUrl}
	ErrResourceIO           = &ResourceError{Kind: KindResourceIO}
	ErrResourceParse        = &ResourceError{Kind: KindResourceParse}
	ErrInvalidMessage       = &ResourceError{Kind: KindInvalidMessage}
	ErrRecursiveFetch       = errors.New("recursive or circular fetch")
	errDownloading          = errors.New("resource is being downloaded and no cached copy is available")
)

func newResourceError(kind ErrorKind, locator string, err error) *ResourceError {
	return &ResourceError{Kind: kind, Locator: locator, Err: err}
}

func (e *ResourceError) Error() string {
	msg := e.Kind.String()
	if e.Locator != "" {
		msg = fmt.Sprintf("%s '%s'", msg, e.Locator)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is matches any *ResourceError of the same kind, so the package level
// sentinels can be used with errors.Is() regardless of locator or cause.
func (e *ResourceError) Is(target error) bool {
	t, ok := target.(*ResourceError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *ResourceError in the chain.
func KindOf(err error) ErrorKind {
	var re *ResourceError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// FetchError is the single failure kind returned by a Fetcher.
type FetchError struct {
	URL string
	// HTTP status returned by the server, zero if no response was received.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("while fetching '%s': status %d: %s", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("while fetching '%s': %s", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// CompileError is returned by a Compiler when the content is malformed.
type CompileError struct {
	Locator string
	Message string
	// Location within the document, if known
	Location string
}

func (e *CompileError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("while compiling '%s' at %s: %s", e.Locator, e.Location, e.Message)
	}
	return fmt.Sprintf("while compiling '%s': %s", e.Locator, e.Message)
}
