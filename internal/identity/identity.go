// Package identity derives stable conversation identifiers from participant
// sets. Derivation is pure and deterministic: every client that knows the
// participants computes the same id, so concurrent creates of "the same"
// conversation collapse into a no-op merge instead of a duplicate resource.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Separator joins the two ids of a direct conversation.
const Separator = ":"

// Resolve derives the conversation id for a participant set.
//
// Two participants: the ids sorted lexicographically and joined with
// Separator — short and human-debuggable. Three or more: SHA-256 of the
// sorted, joined set, hex-encoded, so group ids stay fixed-length.
//
// A set that gains or loses a member is a different identity; membership
// changes create a new conversation rather than mutating the old id.
func Resolve(participantIDs []string) (string, error) {
	unique := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" {
			return "", fmt.Errorf("empty participant id")
		}
		unique[id] = struct{}{}
	}
	if len(unique) < 2 {
		return "", fmt.Errorf("conversation requires at least 2 distinct participants, got %d", len(unique))
	}

	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	if len(sorted) == 2 {
		return sorted[0] + Separator + sorted[1], nil
	}

	sum := sha256.Sum256([]byte(strings.Join(sorted, Separator)))
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the deduplicated participant set in canonical (sorted)
// order, as stored alongside the derived id.
func Canonical(participantIDs []string) []string {
	unique := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		if id != "" {
			unique[id] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return sorted
}
