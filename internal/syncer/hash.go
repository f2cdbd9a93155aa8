// Package syncer is the thread synchronization orchestrator: announcing
// local writes, receiving announcements, downloading and materializing
// thread blobs, the host/leech rebroadcast policy and member-key fan-out
// for non-global visibilities.
package syncer

import (
	"encoding/hex"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// ComputeThreadHash derives the thread version tag: blake3 over the sorted
// post id set. Any two peers holding the same post set compute the same
// value, so announcements can be skipped when hashes match and forks show
// up as same-count-different-hash.
func ComputeThreadHash(postIDs []string) string {
	ids := append([]string(nil), postIDs...)
	sort.Strings(ids)
	sum := blake3.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}
