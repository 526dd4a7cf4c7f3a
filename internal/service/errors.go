package service

import (
	"errors"
	"net/http"
)

// Kind classifies request failures.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindDecode
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// Status is the HTTP status reported for a failure of kind k.
func (k Kind) Status() int {
	if k == KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Err: errors.New(msg)}
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind carried by err; untyped errors count as inference
// failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInference
}
