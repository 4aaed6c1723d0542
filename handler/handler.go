// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the csp.Handler type for functions
// with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer implements
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler. A request payload
// that does not decode is reported to the caller as a service error with
// code [CodeBadRequest].
//
// Results may be []byte or string, or any type that implements
// encoding.BinaryMarshaler or encoding.TextMarshaler.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"fmt"

	"github.com/creachadair/param/csp"
)

// Service error codes reported by handlers built with this package.
const (
	CodeBadRequest uint16 = 1 // the request payload did not decode
	CodeNotFound   uint16 = 2 // the request named something the node lacks
	CodeDenied     uint16 = 3 // the request is not permitted
	CodeRange      uint16 = 4 // the request is outside a valid range
)

// Errorf returns an error that a handler can return to report a service error
// with the given code to the caller.
func Errorf(code uint16, msg string, args ...any) error {
	return csp.ErrorData{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// Code reports the service error code carried by err, or 0 if err does not
// carry one.
func Code(err error) uint16 {
	var ce *csp.CallError
	if errors.As(err, &ce) {
		return ce.ErrorData.Code
	}
	var ed csp.ErrorData
	if errors.As(err, &ed) {
		return ed.Code
	}
	return 0
}

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a handler returned
// by this package has this value.
func ContextRequest(ctx context.Context) *csp.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*csp.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a csp.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) csp.Handler {
	return func(ctx context.Context, req *csp.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a csp.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) csp.Handler {
	return ParamResultError(func(ctx context.Context, p P) (R, error) { return f(ctx, p), nil })
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a csp.Handler.
func ParamError[P any](f func(context.Context, P) error) csp.Handler {
	return func(ctx context.Context, req *csp.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, reqContextKey{}, req), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a csp.Handler. The request payload is
// ignored.
func ResultError[R any](f func(context.Context) (R, error)) csp.Handler {
	return func(ctx context.Context, req *csp.Request) ([]byte, error) {
		r, err := f(context.WithValue(ctx, reqContextKey{}, req))
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a csp.Handler. The request payload is ignored.
func ResultOnly[R any](f func(context.Context) R) csp.Handler {
	return ResultError(func(ctx context.Context) (R, error) { return f(ctx), nil })
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface. If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	var err error
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		err = t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		err = t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	if err != nil {
		return Errorf(CodeBadRequest, "invalid request: %v", err)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
