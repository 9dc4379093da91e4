// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Protocol negotiation errors ------//

	// ErrUnknownProtocol is returned when a request names a protocol family
	// the nameserver does not serve.
	ErrUnknownProtocol

	// ErrWrongEndpoint is returned when a protocol family is spoken on an
	// endpoint that does not serve it (e.g. storage-node traffic arriving on
	// the client endpoint of a split deployment).
	ErrWrongEndpoint

	// ErrVersionIncompatible is returned when the caller's protocol version
	// is older than ours and no compatibility predicate covers the gap.
	ErrVersionIncompatible

	//------ Storage node errors ------//

	// ErrIncorrectVersion is returned when a storage node reports a
	// software/layout version different from the one we expect. The node
	// must be upgraded (or the cluster rolled back) before it may rejoin.
	ErrIncorrectVersion

	// ErrUnregisteredNode is returned when a node calls in with a
	// registration id that doesn't match the one recorded at register time.
	// The node must re-register before retrying.
	ErrUnregisteredNode

	// ErrFatalDisk is reported by a node whose storage has failed beyond
	// recovery; the node is removed from the active set.
	ErrFatalDisk

	//------ Namespace errors ------//

	// ErrPathInvalid is returned when a path exceeds the configured length
	// or depth maxima, before any state is touched.
	ErrPathInvalid

	// ErrNoSuchFile is returned when an operation requires a file to exist
	// but it does not.
	ErrNoSuchFile

	// ErrAlreadyExists is returned for a non-overwriting create of an
	// existing path.
	ErrAlreadyExists

	// ErrNotDirectory is returned when a path component is a file.
	ErrNotDirectory

	//------ Write-lease errors ------//

	// ErrLeaseConflict is returned when a create/append finds another open
	// lease on the path. Exactly one writer may hold the lease.
	ErrLeaseConflict

	// ErrNotLeaseHolder is returned when a lease-holder-only operation is
	// attempted by a caller that doesn't hold the lease.
	ErrNotLeaseHolder

	// ErrNoLease is returned when an operation requires an open lease on
	// the path but there is none.
	ErrNoLease

	// ErrCompleteFailed is returned when a file cannot be completed (bad
	// last block, abandoned lease).
	ErrCompleteFailed

	//------ Lifecycle errors ------//

	// ErrSafeMode is returned for mutating operations while the namespace
	// is in safe mode. Retriable once safe mode lifts.
	ErrSafeMode

	// ErrStaleSignature is returned when a checkpoint signature doesn't
	// match the namespace or edit-log position we expect.
	ErrStaleSignature

	// ErrCheckpointBusy is returned when saveNamespace is refused because a
	// checkpoint is already in progress and force wasn't set.
	ErrCheckpointBusy

	// ErrUpgradeFinalized is returned for rollback-requiring operations
	// after finalize has removed the rollback state.
	ErrUpgradeFinalized

	//------ Administrative errors ------//

	// ErrPolicyDisabled is returned for policy-refresh calls when
	// service-level authorization is not enabled. Distinct from a
	// permission denial.
	ErrPolicyDisabled

	// ErrPermission is a permission denial.
	ErrPermission

	//------ Errors from any level ------//

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (eg. negative size).
	ErrInvalidArgument

	// ErrCorruptReplica is returned when a specific replica of a block is
	// known to be corrupt.
	ErrCorruptReplica

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrUnknown is an error we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrUnknownProtocol:     "unknown protocol to nameserver",
	ErrWrongEndpoint:       "protocol not served on this endpoint",
	ErrVersionIncompatible: "protocol version incompatible with nameserver",

	ErrIncorrectVersion: "reported version does not match the nameserver's",
	ErrUnregisteredNode: "unregistered storage node, re-register first",
	ErrFatalDisk:        "fatal disk failure reported",

	ErrPathInvalid:   "pathname too long or too deep",
	ErrNoSuchFile:    "file does not exist",
	ErrAlreadyExists: "file already exists",
	ErrNotDirectory:  "path component is not a directory",

	ErrLeaseConflict:  "another client holds the lease on this path",
	ErrNotLeaseHolder: "caller does not hold the lease on this path",
	ErrNoLease:        "no open lease on this path",
	ErrCompleteFailed: "could not complete write to file",

	ErrSafeMode:         "namespace is in safe mode",
	ErrStaleSignature:   "checkpoint signature is stale or from another namespace",
	ErrCheckpointBusy:   "a checkpoint is already in progress",
	ErrUpgradeFinalized: "upgrade has been finalized, rollback unavailable",

	ErrPolicyDisabled: "service-level authorization is not enabled",
	ErrPermission:     "permission denied",

	ErrTooBusy:         "too busy",
	ErrInvalidArgument: "invalid argument",
	ErrCorruptReplica:  "replica is corrupt",
	ErrRPC:             "RPC-level error",
	ErrUnknown:         "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error, or nil for NoError.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FsError gets the underlying core.Error from an error.
func FsError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError checks if a caller should retry on a given returned
// error. We consider errors that might be transient to be retriable.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to reach a host, retry connecting.
		// Backoff a little bit and retry.
		ErrTooBusy,
		// Safe mode lifts once the block inventory catches up.
		ErrSafeMode,
		// Another checkpoint was running, retry later.
		ErrCheckpointBusy:
		return true
	}
	return false
}
