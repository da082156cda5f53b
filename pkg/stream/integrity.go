// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrChainBroken is returned when an event does not link to its predecessor
// or its hash does not match its content.
var ErrChainBroken = errors.New("stream hash chain broken")

// ComputeHash returns the SHA-256 of the event's JSON encoding with Hash
// cleared. PrevHash, Id and CreatedAt are part of the hashed content.
func ComputeHash(event StreamEvent) string {
	event.Hash = ""
	data, err := json.Marshal(event)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainVerifier checks the hash chain of one stream.
//
// # Description
//
// A stream with no hashes at all is accepted unchanged. Once a hashed event
// has been seen, every later event must carry a hash, must link to the
// previous hash and must hash to its own Hash.
//
// # Thread Safety
//
// Not safe for concurrent use; one verifier per stream.
type ChainVerifier struct {
	prev   string
	hashed bool
	count  int
}

// Verify checks event and advances the chain.
func (v *ChainVerifier) Verify(event StreamEvent) error {
	v.count++
	if event.Hash == "" {
		if v.hashed {
			return fmt.Errorf("%w: event %d has no hash", ErrChainBroken, v.count)
		}
		return nil
	}
	if event.PrevHash != v.prev {
		return fmt.Errorf("%w: event %d prev_hash mismatch", ErrChainBroken, v.count)
	}
	if ComputeHash(event) != event.Hash {
		return fmt.Errorf("%w: event %d content hash mismatch", ErrChainBroken, v.count)
	}
	v.prev = event.Hash
	v.hashed = true
	return nil
}

// Last returns the most recent verified hash.
func (v *ChainVerifier) Last() string {
	return v.prev
}
