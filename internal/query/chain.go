package query

import (
	"ApolloLedger/internal/core"
	"bytes"
)

// chainVerifier checks a stream of (sequence, prev_hash, state_hash) rows
// read in sequence order. Sequences must start at 0 and be contiguous; each
// prev_hash must equal the previous row's state_hash, and the first must be
// the genesis hash.
type chainVerifier struct {
	nextSeq int64
	tip     []byte
	checked int64
	breaks  []int64
	gaps    []int64
}

func newChainVerifier() *chainVerifier {
	g := core.GenesisHash()
	return &chainVerifier{tip: g[:]}
}

func (v *chainVerifier) observe(seq int64, prevHash, stateHash []byte) {
	v.checked++
	if seq != v.nextSeq {
		v.gaps = append(v.gaps, seq)
	}
	if !bytes.Equal(prevHash, v.tip) {
		v.breaks = append(v.breaks, seq)
	}
	v.nextSeq = seq + 1
	v.tip = stateHash
}
