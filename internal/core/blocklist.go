// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Block reports carry the node's full inventory. At cluster scale that is
// millions of blocks per report, so the wire form is a flat []uint64 rather
// than a slice of structs: three words per block (id, length, generation
// stamp), no per-element framing.

// wordsPerBlock is the number of uint64 words each block occupies in the
// compact encoding.
const wordsPerBlock = 3

// BlockList is the compact wire encoding of a block inventory.
type BlockList []uint64

// EncodeBlockList packs blocks into the compact form.
func EncodeBlockList(blocks []Block) BlockList {
	out := make(BlockList, 0, len(blocks)*wordsPerBlock)
	for _, b := range blocks {
		out = append(out, uint64(b.ID), uint64(b.NumBytes), uint64(b.GenStamp))
	}
	return out
}

// NumBlocks returns how many blocks the list carries, or -1 if the encoding
// is malformed.
func (l BlockList) NumBlocks() int {
	if len(l)%wordsPerBlock != 0 {
		return -1
	}
	return len(l) / wordsPerBlock
}

// Decode unpacks the list into block descriptors. Returns ErrInvalidArgument
// if the word count isn't a multiple of the per-block width.
func (l BlockList) Decode() ([]Block, Error) {
	n := l.NumBlocks()
	if n < 0 {
		return nil, ErrInvalidArgument
	}
	blocks := make([]Block, n)
	for i := 0; i < n; i++ {
		w := l[i*wordsPerBlock:]
		blocks[i] = Block{
			ID:       BlockID(w[0]),
			NumBytes: int64(w[1]),
			GenStamp: GenerationStamp(w[2]),
		}
	}
	return blocks, NoError
}
