// Package wal implements the file layer underneath the replicated log.
//
// A WAL file is an append-only byte stream. FileWriter appends to it, truncates a
// conflicting suffix away and flushes it to stable storage; FileReader gives
// sequential, seekable read access to the same file for replay and catch-up.
//
// # Failure model
//
// Read failures are ordinary errors: io.EOF marks the end of the file and every
// other failure wraps ErrCannotRead.
//
// Write, truncate and sync failures are fatal. Once one of them fails the size of
// the file on disk is no longer known, and continuing could let two different
// entries be acknowledged for the same index. All of those paths end in a single
// abort that logs the failure and terminates the process.
//
// # Thread Safety
//
// Neither type is synchronized. A file must have exactly one FileWriter, driven
// by one goroutine at a time. Readers may run concurrently with the writer and
// see whatever the writer has written at the time of the call.
package wal
