package devhost

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures returned by the registry, the certificate
// authority and the router.
type ErrorKind int

const (
	// KindIO covers filesystem access and permission failures.
	KindIO ErrorKind = iota + 1
	// KindNotFound means the domain, route or certificate does not exist.
	KindNotFound
	// KindValidation means a malformed domain, target or configuration value.
	KindValidation
	// KindCrypto covers key generation, request and signing failures.
	KindCrypto
	// KindListen means the proxy could not bind its port.
	KindListen
	// KindUpstream means the backend connection or stream failed.
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNotFound:
		return "not found"
	case KindValidation:
		return "validation"
	case KindCrypto:
		return "crypto"
	case KindListen:
		return "listen"
	case KindUpstream:
		return "upstream"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type returned by devhost operations.
//
// Use errors.Is against the Err* sentinels to test the kind:
//
//	if errors.Is(err, devhost.ErrListen) {
//	    // port already in use
//	}
type Error struct {
	Kind   ErrorKind
	Op     string
	Domain string
	Err    error
}

// Sentinels for errors.Is. They carry only a kind.
var (
	ErrIO         = &Error{Kind: KindIO}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrValidation = &Error{Kind: KindValidation}
	ErrCrypto     = &Error{Kind: KindCrypto}
	ErrListen     = &Error{Kind: KindListen}
	ErrUpstream   = &Error{Kind: KindUpstream}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op
	}
	if e.Domain != "" {
		msg += " " + e.Domain
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a kind-only sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Domain == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

func newError(kind ErrorKind, op, domain string, err error) *Error {
	return &Error{Kind: kind, Op: op, Domain: domain, Err: err}
}

func ioError(op, domain string, err error) error {
	return newError(KindIO, op, domain, err)
}

func notFound(op, domain string) error {
	return newError(KindNotFound, op, domain, errors.New("not found"))
}

func invalid(op, domain string, format string, args ...any) error {
	return newError(KindValidation, op, domain, fmt.Errorf(format, args...))
}

func cryptoError(op, domain string, err error) error {
	return newError(KindCrypto, op, domain, err)
}
