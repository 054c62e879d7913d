// Package faultkind classifies the error kinds named in spec.md §7 and
// attaches the propagation policy (retryable vs fatal) to each one, so
// callers never have to re-derive "should I retry this" from a raw error.
package faultkind

import "fmt"

// Kind is one of the named error kinds in spec.md §7.
type Kind string

const (
	TransientNetwork Kind = "transient_network"
	AuthReject       Kind = "auth_reject"
	ProtocolFrame    Kind = "protocol_frame"
	Storage          Kind = "storage"
	CryptoVerify     Kind = "crypto_verify"
	QueueOverflow    Kind = "queue_overflow"
	DeadlineOverrun  Kind = "deadline_overrun"
	OTAChunk         Kind = "ota_chunk"
	OTAManifest      Kind = "ota_manifest"
	OTASignature     Kind = "ota_signature"
	OTAHash          Kind = "ota_hash"
	ConfigInvalid    Kind = "config_invalid"
)

// retryable mirrors the propagation policy table in spec.md §7.
var retryable = map[Kind]bool{
	TransientNetwork: true,
	OTAChunk:         true,
	ProtocolFrame:    true,
}

// Fault is an error value carrying a Kind, so handlers can switch on
// category without string-matching messages.
type Fault struct {
	Kind  Kind
	Cause error
	Msg   string
}

func New(k Kind, msg string) *Fault               { return &Fault{Kind: k, Msg: msg} }
func Wrap(k Kind, cause error, msg string) *Fault { return &Fault{Kind: k, Cause: cause, Msg: msg} }

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Cause }

// Retryable reports whether this kind's propagation policy (spec.md §7) is
// local retry with back-off rather than drop/abort/fallback.
func (f *Fault) Retryable() bool { return retryable[f.Kind] }

// As extracts a *Fault from an error chain, for callers that need the Kind
// without caring about exact wrapping depth.
func As(err error) (*Fault, bool) {
	for err != nil {
		if f, ok := err.(*Fault); ok {
			return f, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
