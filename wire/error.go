package wire

import (
	"fmt"
	"strings"
)

// Error codes, numeric values follow gRPC.
const (
	CodeInvalidArgument = 3
	CodeInternal        = 13
	CodeUnauthenticated = 16
)

// Error is the structured failure carried on ServerMsg.
type Error struct {
	Code   int      `json:"code"`
	Params []string `json:"params,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, strings.Join(e.Params, "; "))
}

func NewInvalidArgument(params ...string) *Error {
	return &Error{Code: CodeInvalidArgument, Params: params}
}

func NewInternal(params ...string) *Error {
	return &Error{Code: CodeInternal, Params: params}
}

func NewUnauthenticated(params ...string) *Error {
	return &Error{Code: CodeUnauthenticated, Params: params}
}
