// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Request validation ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (eg a malformed filename or a negative size).
	ErrInvalidArgument

	// ErrBadFilename is returned when a filename is empty, too long, or
	// contains a forbidden character.
	ErrBadFilename

	//------ Metadata lookups ------//

	// ErrFileNotFound is returned when an operation names a file the
	// master doesn't know about.
	ErrFileNotFound

	// ErrChunkNotFound is returned when an operation names a chunk the
	// receiver doesn't have.
	ErrChunkNotFound

	// ErrServerNotFound is returned when a request names a chunk server
	// the master has never seen or has unregistered.
	ErrServerNotFound

	// ErrKeyNotFound is returned when an encryption key id has no stored key.
	ErrKeyNotFound

	// ErrAlreadyExists is returned when a create would collide with an
	// existing file.
	ErrAlreadyExists

	//------ Placement ------//

	// ErrNoServers is returned when the allocator cannot find enough
	// healthy servers for a placement.
	ErrNoServers

	// ErrNoSpace is returned when every candidate server would drop below
	// its free-space floor.
	ErrNoSpace

	//------ Data integrity ------//

	// ErrCorruptData is returned if a chunk's bytes do not match its
	// recorded checksum, or an authentication tag fails to verify.
	ErrCorruptData

	// ErrShortWrite is returned when a chunk file could not be written
	// completely.
	ErrShortWrite

	//------ Transport and I/O ------//

	// ErrRPC is returned when the RPC layer errors during sending or
	// receiving.
	ErrRPC

	// ErrIO is returned if there is an OS-level IO error.
	ErrIO

	// ErrTimeout is returned when a caller-side deadline elapses.
	ErrTimeout

	// ErrTooBig is returned when a payload exceeds MaxMessageLength.
	ErrTooBig

	//------ Upload protocol ------//

	// ErrIncompleteUpload is returned by CompleteUpload when chunks the
	// allocator handed out were never written anywhere.
	ErrIncompleteUpload

	// ErrNotEnoughBlocks is returned by the erasure decoder when fewer
	// than k blocks of a group survive.
	ErrNotEnoughBlocks

	//------ Meta-error ------//

	// ErrFatal is returned when the master hits a persistence failure or
	// a broken internal invariant. Operators must intervene.
	ErrFatal

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrInvalidArgument: "invalid argument",
	ErrBadFilename:     "filename is empty, too long, or has forbidden characters",

	ErrFileNotFound:   "file was not found",
	ErrChunkNotFound:  "chunk does not exist",
	ErrServerNotFound: "chunk server is not registered",
	ErrKeyNotFound:    "no key stored under that id",
	ErrAlreadyExists:  "file already exists",

	ErrNoServers: "not enough healthy chunk servers",
	ErrNoSpace:   "no server has enough free space",

	ErrCorruptData: "chunk checksum is invalid, data is corrupt",
	ErrShortWrite:  "chunk was only partially written",

	ErrRPC:     "RPC-level error",
	ErrIO:      "I/O level error",
	ErrTimeout: "deadline elapsed",
	ErrTooBig:  "request is too large",

	ErrIncompleteUpload: "upload completed with missing chunks",
	ErrNotEnoughBlocks:  "fewer blocks available than needed to decode",

	ErrFatal:   "fatal internal error, operator intervention required",
	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding
// to this core.Error, or nil for NoError.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is the receiver error underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'.
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error.
func FromError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to reach a host, retry connecting to it.
		// The deadline may have been too tight for a loaded server.
		ErrTimeout,
		// Wait for chunk servers to register with the master.
		ErrNoServers,
		// OS-level blips can clear on their own.
		ErrIO:
		return true
	}
	return false
}
