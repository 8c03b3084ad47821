package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
)

const (
	segmentPattern = "wal-%05d.log"

	dirPerm  = 0o700
	filePerm = 0o600

	// Records larger than this are treated as framing garbage, not data.
	maxRecordBytes = 8 << 20
)

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf(segmentPattern, index))
}

// listSegments returns the indices of all segment files in dir, sorted.
func listSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPattern, &idx); n == 1 {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// encodeRecord frames e as one record: 4-byte big-endian payload length,
// JSON payload, 4-byte IEEE CRC32 of the payload. The frame is returned as a
// single buffer so it reaches the file in one write.
func encodeRecord(e *Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal wal entry: %w", err)
	}
	frame := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	binary.BigEndian.PutUint32(frame[4+len(payload):], crc32.ChecksumIEEE(payload))
	return frame, nil
}

// scanSegment reads records from path in order, invoking fn for each intact
// record. It returns the offset just past the last intact record and whether
// the segment ends in a torn or corrupt record. A missing file counts as an
// empty segment.
func scanSegment(path string, fn func(Entry)) (lastGood int64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open wal segment: %w", err)
	}
	defer f.Close()

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF {
				return lastGood, false, nil
			}
			return lastGood, true, nil
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length == 0 || length > maxRecordBytes {
			return lastGood, true, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return lastGood, true, nil
		}
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return lastGood, true, nil
		}
		if binary.BigEndian.Uint32(hdr[:]) != crc32.ChecksumIEEE(payload) {
			return lastGood, true, nil
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return lastGood, true, nil
		}
		lastGood += int64(4 + len(payload) + 4)
		fn(e)
	}
}
