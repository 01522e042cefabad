package xfer

import (
	"fmt"

	"github.com/fabriclink/xferengine/pkg/wire"
)

// PackKeys serializes a PrivMD's per-rail/worker remote keys into a
// length-prefixed, rail-selection-mask-and-base-address-prefixed blob:
// GetPublicData's job for any backend that registers one key per selected
// rail.
//
// selectionMask has one bit set per chosen rail/worker id, dense and
// positional so the remote side's serialized key list enumerates every
// rail positionally (an unused rail carries a zero-length key).
func PackKeys(selectionMask uint64, baseAddr uint64, keys [][]byte) []byte {
	tbl := wire.NewTable()
	for _, k := range keys {
		tbl.Add(wire.NewEncoder().PutBytes("key", k).Bytes())
	}
	return wire.NewEncoder().
		PutUint64("mask", selectionMask).
		PutUint64("base", baseAddr).
		PutBytes("keys", tbl.Encode()).
		Bytes()
}

// UnpackKeys parses a blob produced by PackKeys.
func UnpackKeys(blob []byte) (selectionMask uint64, baseAddr uint64, keys [][]byte, err error) {
	d, err := wire.Decode(blob)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("xfer: unpack keys: %w", err)
	}
	d.Require("mask", "base", "keys")
	if err := d.CheckMandatory(); err != nil {
		return 0, 0, nil, fmt.Errorf("xfer: unpack keys: %w", err)
	}
	selectionMask, err = d.Uint64("mask")
	if err != nil {
		return 0, 0, nil, err
	}
	baseAddr, err = d.Uint64("base")
	if err != nil {
		return 0, 0, nil, err
	}
	records, err := wire.DecodeTable(d.Bytes("keys"))
	if err != nil {
		return 0, 0, nil, err
	}
	keys = make([][]byte, 0, len(records))
	for _, rec := range records {
		rd, err := wire.Decode(rec)
		if err != nil {
			return 0, 0, nil, err
		}
		keys = append(keys, rd.Bytes("key"))
	}
	return selectionMask, baseAddr, keys, nil
}
