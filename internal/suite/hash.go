package suite

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// WorkerHash derives the compatibility key for a suite. Workers are
// initialized for exactly one hash, so everything that shapes a worker's
// execution environment must feed into it: the suite's env block and its
// project slot. Two groups with equal hashes may share a recycled worker.
func WorkerHash(env map[string]string, projectIndex int) string {
	h := blake3.New()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, env[k])
	}
	fmt.Fprintf(h, "project=%d\n", projectIndex)

	return hex.EncodeToString(h.Sum(nil)[:16])
}
