package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

// Each record is encoded as:
//
//	[4 bytes: length][N bytes: msgpack LogEntry][4 bytes: CRC32 of the N bytes]
const (
	recordHeaderSize  = 4
	recordTrailerSize = 4
	maxRecordSize     = 64 * 1024 * 1024
)

var ErrCorrupted = errors.New("WAL record is corrupted")

// appendRecord appends the encoded form of e to buf.
func appendRecord(buf []byte, e types.LogEntry) ([]byte, error) {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return buf, fmt.Errorf("failed to encode entry %d: %w", e.Index, err)
	}
	if len(data) > maxRecordSize {
		return buf, fmt.Errorf("entry %d encodes to %d bytes, limit is %d", e.Index, len(data), maxRecordSize)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
	return buf, nil
}

// decodeRecord reads one record and returns the entry and the number of bytes
// consumed. A clean end of input is io.EOF; a record cut short is
// io.ErrUnexpectedEOF; a damaged record is ErrCorrupted.
func decodeRecord(r io.Reader) (types.LogEntry, int64, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return types.LogEntry{}, 0, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxRecordSize {
		return types.LogEntry{}, 0, fmt.Errorf("%w: record length %d", ErrCorrupted, length)
	}

	body := make([]byte, int(length)+recordTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return types.LogEntry{}, 0, err
	}

	data := body[:length]
	expectedCRC := binary.BigEndian.Uint32(body[length:])
	if actualCRC := crc32.ChecksumIEEE(data); actualCRC != expectedCRC {
		return types.LogEntry{}, 0, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrCorrupted, expectedCRC, actualCRC)
	}

	var e types.LogEntry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return types.LogEntry{}, 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return e, int64(recordHeaderSize + len(body)), nil
}
