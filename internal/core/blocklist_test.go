// Copyright (c) 2019 The Blockfs Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "testing"

// Encoding an inventory and decoding it again preserves every field.
func TestBlockListRoundTrip(t *testing.T) {
	blocks := []Block{
		{ID: 1, GenStamp: 1001, NumBytes: 64 << 20},
		{ID: 7, GenStamp: 1004, NumBytes: 1},
		{ID: 8, GenStamp: 1004, NumBytes: 0},
	}

	list := EncodeBlockList(blocks)
	if got := list.NumBlocks(); got != len(blocks) {
		t.Fatalf("expected %d blocks, got %d", len(blocks), got)
	}

	decoded, err := list.Decode()
	if err != NoError {
		t.Fatalf("failed to decode: %s", err)
	}
	for i, b := range blocks {
		if decoded[i] != b {
			t.Fatalf("block %d: expected %+v, got %+v", i, b, decoded[i])
		}
	}
}

func TestBlockListEmpty(t *testing.T) {
	var list BlockList
	if got := list.NumBlocks(); got != 0 {
		t.Fatalf("expected 0 blocks, got %d", got)
	}
	if blocks, err := list.Decode(); err != NoError || len(blocks) != 0 {
		t.Fatalf("expected empty decode, got %v, %s", blocks, err)
	}
}

// A list whose length is not a multiple of the block width must be rejected,
// not truncated.
func TestBlockListMalformed(t *testing.T) {
	list := BlockList{1, 2, 3, 4}
	if got := list.NumBlocks(); got != -1 {
		t.Fatalf("expected -1 for malformed list, got %d", got)
	}
	if _, err := list.Decode(); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %s", err)
	}
}
