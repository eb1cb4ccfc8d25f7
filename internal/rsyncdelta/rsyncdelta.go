// Package rsyncdelta implements a two-tier rsync-style signature and
// delta algorithm: a cheap rolling checksum narrows candidate blocks,
// a strong hash confirms them. This is the concrete mechanism behind
// the Rsync Helper (spec §4.2): signature/diff/apply are treated as a
// black box there, this package is that box.
package rsyncdelta

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// BlockSize is the size of one signature block (64 KiB).
const BlockSize = 64 * 1024

// ErrInvalidSignature is returned by Diff when the signature contains a
// block whose weak checksum and strong hash are both zero, which Sign
// never produces.
var ErrInvalidSignature = errors.New("rsyncdelta: invalid signature")

// BlockChecksum is the signature of a single block: a weak rolling
// checksum for cheap filtering plus a strong hash to confirm a match.
type BlockChecksum struct {
	Weak   uint64
	Strong [sha256.Size]byte
}

// Signature is the ordered list of block checksums for a byte range,
// one per BlockSize-sized block (the final block may be shorter).
type Signature []BlockChecksum

// Sign computes the Signature of data, split into BlockSize blocks.
func Sign(data []byte) Signature {
	sig := make(Signature, 0, len(data)/BlockSize+1)
	for off := 0; off < len(data); off += BlockSize {
		end := min(off+BlockSize, len(data))
		block := data[off:end]
		sig = append(sig, BlockChecksum{
			Weak:   weakChecksum(block),
			Strong: sha256.Sum256(block),
		})
	}
	return sig
}

// weakChecksum is the rolling checksum used to cheaply pre-filter block
// candidates before confirming with the strong hash. xxhash is not a
// true rolling checksum (recomputed per block here, not incrementally
// updated per byte), which is an accepted tradeoff: this package always
// has the full destination block in memory to rehash, unlike classic
// rsync's single-pass streaming diff.
func weakChecksum(block []byte) uint64 {
	return xxhash.Sum64(block)
}

// OpKind distinguishes a delta operation that copies an existing block
// from one that carries literal data.
type OpKind int

const (
	// OpData carries literal bytes not found in the signature.
	OpData OpKind = iota
	// OpCopy references a block index in the signed data.
	OpCopy
)

// Op is one instruction in a Delta.
type Op struct {
	Kind       OpKind
	Data       []byte // set when Kind == OpData
	BlockIndex int    // set when Kind == OpCopy
}

// Delta is an ordered sequence of operations that reconstruct the
// source data against a signature computed over the destination's
// current content.
type Delta []Op

// Diff computes a Delta that reconstructs data using sig as a map of
// blocks already available to the receiver: where a window of up to
// BlockSize bytes, starting at any offset of data, matches a signature
// block (weak checksum match
// confirmed by strong hash), it is encoded as OpCopy; everything else
// is coalesced into OpData runs.
func Diff(sig Signature, data []byte) (Delta, error) {
	if err := validate(sig); err != nil {
		return nil, err
	}

	index := make(map[uint64][]int, len(sig))
	for i, bc := range sig {
		index[bc.Weak] = append(index[bc.Weak], i)
	}

	var delta Delta
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			delta = append(delta, Op{Kind: OpData, Data: pending})
			pending = nil
		}
	}

	for pos := 0; pos < len(data); {
		end := min(pos+BlockSize, len(data))
		block := data[pos:end]
		weak := weakChecksum(block)

		matched := -1
		if candidates, ok := index[weak]; ok {
			strong := sha256.Sum256(block)
			for _, ci := range candidates {
				if sig[ci].Strong == strong {
					matched = ci
					break
				}
			}
		}

		if matched >= 0 {
			flush()
			delta = append(delta, Op{Kind: OpCopy, BlockIndex: matched})
			pos = end
			continue
		}

		pending = append(pending, data[pos])
		pos++
	}
	flush()
	return delta, nil
}

// Apply reconstructs the destination content by replaying delta against
// base, which must be the same content the Signature passed to Diff was
// computed from.
func Apply(base []byte, delta Delta) ([]byte, error) {
	var out bytes.Buffer
	for _, op := range delta {
		switch op.Kind {
		case OpData:
			out.Write(op.Data)
		case OpCopy:
			start := op.BlockIndex * BlockSize
			if start >= len(base) {
				return nil, fmt.Errorf("rsyncdelta: block index %d out of range (base len %d)", op.BlockIndex, len(base))
			}
			end := min(start+BlockSize, len(base))
			out.Write(base[start:end])
		default:
			return nil, fmt.Errorf("rsyncdelta: unknown op kind %d", op.Kind)
		}
	}
	return out.Bytes(), nil
}

// validate rejects signatures that could not have come from Sign: a nil
// signature is valid (empty data), but a non-nil one always pairs a
// nonzero weak checksum with a nonzero strong hash for every real block
// except possibly the very last (a block can legitimately hash to a
// weak checksum of zero, but never both zero, since sha256 of any
// finite input never produces an all-zero digest).
func validate(sig Signature) error {
	for i, bc := range sig {
		if bc.Weak == 0 && bc.Strong == ([sha256.Size]byte{}) {
			return fmt.Errorf("%w: malformed block at index %d", ErrInvalidSignature, i)
		}
	}
	return nil
}
