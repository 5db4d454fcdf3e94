package model

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/vtfind/vtfind/pkg/paging"
)

// packed entries are a uint16 table index followed by the uint64 entry
const packedEntrySize = 10

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// PackFingerprint serializes and compresses a sparse top level page.
func PackFingerprint(fp map[int]uint64) ([]byte, error) {
	idx := make([]int, 0, len(fp))
	for i := range fp {
		if i < 0 || i >= paging.EntriesPerTable {
			return nil, fmt.Errorf("fingerprint index %d out of range", i)
		}
		idx = append(idx, i)
	}
	slices.Sort(idx)

	raw := make([]byte, len(idx)*packedEntrySize)
	for n, i := range idx {
		binary.LittleEndian.PutUint16(raw[n*packedEntrySize:], uint16(i))
		binary.LittleEndian.PutUint64(raw[n*packedEntrySize+2:], fp[i])
	}
	return encoder.EncodeAll(raw, nil), nil
}

// UnpackFingerprint reverses PackFingerprint.
func UnpackFingerprint(data []byte) (map[int]uint64, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress fingerprint: %w", err)
	}
	if len(raw)%packedEntrySize != 0 {
		return nil, fmt.Errorf("fingerprint has trailing %d bytes", len(raw)%packedEntrySize)
	}
	fp := make(map[int]uint64, len(raw)/packedEntrySize)
	for off := 0; off < len(raw); off += packedEntrySize {
		i := int(binary.LittleEndian.Uint16(raw[off:]))
		if i >= paging.EntriesPerTable {
			return nil, fmt.Errorf("fingerprint index %d out of range", i)
		}
		fp[i] = binary.LittleEndian.Uint64(raw[off+2:])
	}
	return fp, nil
}
