// Package errs defines the finite set of error kinds shared across the
// core: wire decoding, peer connections, transfers, the server connection
// and the session all report failures through this one typed error so that
// alerts (see internal/alert) can carry a stable, enumerable reason.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error reasons. Adding a new failure mode means
// adding a new Kind here, not inventing an ad-hoc error string somewhere
// else in the tree.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNoMemory
	KindTimedOut
	KindInvalidProtocolType
	KindInvalidPacketSize
	KindDecodePacketError
	KindNoFile
	KindFileUnavailable
	KindFilesizeIsZero
	KindDuplicatePeerID
	KindSelfConnection
	KindTransferAborted
	KindTransferPaused
	KindTransferFinished
	KindTransferRemoved
	KindSessionIsClosing
	KindSessionPointerIsNull
	KindInvalidTransferHandle
	KindOperationAborted
	KindFastResumeParseError
	KindMismatchingTransferHash
	KindMissingTransferHash
	KindInvalidFileTag
	KindKnownFileInvalidHeader
	KindBlobTagTooLong
	KindIncompatibleTagGetter
	KindEmptyBrackets
	KindIncorrectBracketsCount
	KindInputStringTooLarge
	KindSearchExpressionTooComplex
	KindOperatorIncorrectPlace
	KindUnclosedQuotationMark
	KindPendingFileEntryInTransform
	KindDiskFull
	KindPermissionDenied
	KindCorruptData
)

var names = [...]string{
	"unknown",
	"no_memory",
	"timed_out",
	"invalid_protocol_type",
	"invalid_packet_size",
	"decode_packet_error",
	"no_file",
	"file_unavailable",
	"filesize_is_zero",
	"duplicate_peer_id",
	"self_connection",
	"transfer_aborted",
	"transfer_paused",
	"transfer_finished",
	"transfer_removed",
	"session_is_closing",
	"session_pointer_is_null",
	"invalid_transfer_handle",
	"operation_aborted",
	"fast_resume_parse_error",
	"mismatching_transfer_hash",
	"missing_transfer_hash",
	"invalid_file_tag",
	"known_file_invalid_header",
	"blob_tag_too_long",
	"incompatible_tag_getter",
	"empty_brackets",
	"incorrect_brackets_count",
	"input_string_too_large",
	"search_expression_too_complex",
	"operator_incorrect_place",
	"unclosed_quotation_mark",
	"pending_file_entry_in_transform",
	"disk_full",
	"permission_denied",
	"corrupt_data",
}

func (k Kind) String() string {
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Error wraps a Kind with the operation it occurred in and, optionally, the
// underlying cause. It is the one error type every core package returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error around an existing cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
// Returns KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
