package mls

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the stable error taxonomy described in spec.md §7.
// Callers are expected to switch on Code rather than match error strings.
type ErrorCode int

const (
	ErrUnsupportedCiphersuite ErrorCode = iota + 1
	ErrUnsupportedProtocolVersion
	ErrInvalidGroupID
	ErrInvalidEpoch
	ErrUnexpectedMessageType
	ErrUnencryptedApplicationMessage
	ErrInvalidConfirmationTag
	ErrCommitMissingPath
	ErrProposalCacheMiss
	ErrMoreThanOneProposalForLeaf
	ErrMoreThanOneGroupContextExtensions
	ErrInvalidCommitSelfUpdate
	ErrCommitterSelfRemoval
	ErrExternalCommitMustHaveExactlyOneExternalInit
	ErrExternalCommitWithMoreThanOneRemove
	ErrInvalidProposalTypeForProposer
	ErrDuplicatePskIds
	ErrInvalidProtocolVersionInReInit
	ErrRatchetTree
	ErrLeafNodeValidation
	ErrKeyPackageValidation
	ErrHpkeOpenFailed
	ErrSignatureInvalid
	ErrAeadOpenFailed
	ErrExistingPendingCommit
	ErrGroupUsedAfterReInit
	ErrExternalCommitMissingExternalInit
	ErrRatchetTreeNotProvided
	ErrPskNotFound
	ErrKeyPackageNotFound
	ErrInvalidKeyLength
	ErrReInitMustBeSoleProposal
)

var errorCodeNames = map[ErrorCode]string{
	ErrUnsupportedCiphersuite:                       "UnsupportedCiphersuite",
	ErrUnsupportedProtocolVersion:                   "UnsupportedProtocolVersion",
	ErrInvalidGroupID:                                "InvalidGroupId",
	ErrInvalidEpoch:                                  "InvalidEpoch",
	ErrUnexpectedMessageType:                         "UnexpectedMessageType",
	ErrUnencryptedApplicationMessage:                 "UnencryptedApplicationMessage",
	ErrInvalidConfirmationTag:                        "InvalidConfirmationTag",
	ErrCommitMissingPath:                             "CommitMissingPath",
	ErrProposalCacheMiss:                             "ProposalCacheMiss",
	ErrMoreThanOneProposalForLeaf:                    "MoreThanOneProposalForLeaf",
	ErrMoreThanOneGroupContextExtensions:             "MoreThanOneGroupContextExtensions",
	ErrInvalidCommitSelfUpdate:                       "InvalidCommitSelfUpdate",
	ErrCommitterSelfRemoval:                          "CommitterSelfRemoval",
	ErrExternalCommitMustHaveExactlyOneExternalInit:  "ExternalCommitMustHaveExactlyOneExternalInit",
	ErrExternalCommitWithMoreThanOneRemove:           "ExternalCommitWithMoreThanOneRemove",
	ErrInvalidProposalTypeForProposer:                "InvalidProposalTypeForProposer",
	ErrDuplicatePskIds:                               "DuplicatePskIds",
	ErrInvalidProtocolVersionInReInit:                "InvalidProtocolVersionInReInit",
	ErrRatchetTree:                                   "RatchetTreeError",
	ErrLeafNodeValidation:                            "LeafNodeValidationError",
	ErrKeyPackageValidation:                          "KeyPackageValidationError",
	ErrHpkeOpenFailed:                                "HpkeOpenFailed",
	ErrSignatureInvalid:                              "SignatureInvalid",
	ErrAeadOpenFailed:                                "AeadOpenFailed",
	ErrExistingPendingCommit:                         "ExistingPendingCommit",
	ErrGroupUsedAfterReInit:                          "GroupUsedAfterReInit",
	ErrExternalCommitMissingExternalInit:             "ExternalCommitMissingExternalInit",
	ErrRatchetTreeNotProvided:                        "RatchetTreeNotProvided",
	ErrPskNotFound:                                   "PskNotFound",
	ErrKeyPackageNotFound:                            "KeyPackageNotFound",
	ErrInvalidKeyLength:                              "InvalidKeyLength",
	ErrReInitMustBeSoleProposal:                      "ReInitMustBeSoleProposal",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// GroupError is the typed error surfaced by every public engine operation.
// Detail carries free-form context (e.g. the offending epoch or leaf index);
// it is never nil-checked by callers, only formatted.
type GroupError struct {
	Code   ErrorCode
	Detail string
	Err    error
}

func (e *GroupError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code.String()
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, newError(SomeCode, "")) style matching against a
// code alone, ignoring Detail/Err.
func (e *GroupError) Is(target error) bool {
	other, ok := target.(*GroupError)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

func newError(code ErrorCode, detail string) *GroupError {
	return &GroupError{Code: code, Detail: detail}
}

func wrapError(code ErrorCode, detail string, err error) *GroupError {
	return &GroupError{Code: code, Detail: detail, Err: err}
}

// codeOf extracts the ErrorCode from err if it (or something it wraps) is
// a *GroupError, reporting ok=false otherwise.
func codeOf(err error) (ErrorCode, bool) {
	var ge *GroupError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return 0, false
}
