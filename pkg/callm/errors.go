// Package callm holds the types shared by every stage of model loading and
// generation: the error taxonomy and the compute device configuration.
package callm

import (
	"errors"
	"fmt"
)

var (
	ErrGeneric          = errors.New("generic error")
	ErrLoaderFail       = errors.New("loader failed")
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrIO               = errors.New("i/o error")
	ErrEngine           = errors.New("engine error")
	ErrTemplate         = errors.New("template error")
	ErrTokenizer        = errors.New("tokenizer error")
	ErrSerde            = errors.New("serialization error")
)

// Error is the error returned by loaders, templates, tokenizers and
// pipelines. Kind is one of the sentinels above; Err is the optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Generic(msg string) error {
	return &Error{Kind: ErrGeneric, Msg: msg}
}

func LoaderFail(format string, args ...any) error {
	return &Error{Kind: ErrLoaderFail, Msg: fmt.Sprintf(format, args...)}
}

func UnsupportedModel(arch string) error {
	return &Error{Kind: ErrUnsupportedModel, Msg: fmt.Sprintf("architecture %q", arch)}
}

// IO wraps a filesystem error. A nil err yields nil.
func IO(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrIO, Err: err}
}

// Engine wraps a compute engine failure. A nil err yields nil.
func Engine(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrEngine, Err: err}
}

func TemplateError(msg string, err error) error {
	return &Error{Kind: ErrTemplate, Msg: msg, Err: err}
}

func TokenizerError(msg string, err error) error {
	return &Error{Kind: ErrTokenizer, Msg: msg, Err: err}
}

// Serde wraps a decoding failure of a JSON side-car file.
func Serde(what string, err error) error {
	return &Error{Kind: ErrSerde, Msg: what, Err: err}
}
