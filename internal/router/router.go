// Package router implements consistent-hash routing of metric lines
// across sinks. The ring hash is fixed as FNV-1a over 32 bits and must
// stay fixed and documented, since changing it reshuffles every key's
// destination — see DESIGN.md for why no third-party hashing library
// was used instead.
package router

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// DefaultVirtualNodes is the number of ring positions each sink
// occupies when not overridden by the virtual-nodes config option.
const DefaultVirtualNodes = 100

type ringEntry struct {
	hash   uint32
	sinkID string
}

// Ring is a consistent-hash ring over a set of sink identifiers.
type Ring struct {
	entries      []ringEntry
	virtualNodes int
}

// New builds a ring for the given sink IDs, each occupying
// virtualNodes positions (DefaultVirtualNodes if <= 0). Sink IDs should
// be stable across restarts (e.g. "host:port") since they seed the hash
// of every virtual node.
func New(sinkIDs []string, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	r := &Ring{virtualNodes: virtualNodes}
	r.entries = make([]ringEntry, 0, len(sinkIDs)*virtualNodes)
	for _, id := range sinkIDs {
		for i := 0; i < virtualNodes; i++ {
			r.entries = append(r.entries, ringEntry{
				hash:   hashString(id + "#" + strconv.Itoa(i)),
				sinkID: id,
			})
		}
	}
	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].hash < r.entries[j].hash
	})
	return r
}

// hashString is FNV-1a over 32 bits.
func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// RouteName returns the sink ID a line's metric name maps to: the
// owner of the first ring position >= H(name), wrapping around to the
// first entry if H(name) is past every position.
func (r *Ring) RouteName(name string) string {
	if len(r.entries) == 0 {
		return ""
	}
	h := hashString(name)
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash >= h
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].sinkID
}

// RouteLine extracts the routing key (the portion of a Carbon line
// before the first space, i.e. the metric name) and routes it.
func (r *Ring) RouteLine(line string) string {
	name := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		name = line[:i]
	}
	return r.RouteName(name)
}

// SinkCount reports how many distinct sinks are on the ring.
func (r *Ring) SinkCount() int {
	seen := make(map[string]struct{})
	for _, e := range r.entries {
		seen[e.sinkID] = struct{}{}
	}
	return len(seen)
}
