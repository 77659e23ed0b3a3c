package wal

import (
	"log/slog"
	"os"
)

// fatalHook terminates the process. Tests swap it for a panic; it must never return.
var fatalHook = func(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// abort is the only way out of a failed write, truncate or sync.
func abort(op, path string, err error) {
	fatalHook("wal: unrecoverable I/O failure", slog.String("op", op), slog.String("path", path), slog.Any("error", err))
	panic("wal: fatal hook returned")
}
