package collective

import (
	"fmt"
	"sort"
)

// GroupPolicy partitions ready request ids into groups that are each issued
// as one communication operation. Groups are returned in execution order.
// Implementations must be deterministic.
type GroupPolicy interface {
	Group(plan *Plan, ids []int) [][]int
}

// FusionPolicy fuses compatible requests of one dependency depth. Requests
// are compatible when they share op kind, reduce method, dtype, root and
// device set. A group is closed before it would exceed ThresholdBytes or
// MaxGroupSize; zero disables either limit. A single request larger than the
// threshold still forms its own group.
type FusionPolicy struct {
	ThresholdBytes int64
	MaxGroupSize   int
}

type fusionKey struct {
	depth   int
	kind    OpKind
	method  ReduceMethod
	dtype   int
	root    int
	devices string
}

func keyOf(r RequestDesc) fusionKey {
	k := fusionKey{
		depth:   r.DependencyDepth,
		kind:    r.Op.Kind,
		dtype:   int(r.Op.DType),
		devices: fmt.Sprint(r.DeviceSet),
	}
	if r.Op.reduces() {
		k.method = r.Op.ReduceMethod
	}
	if r.Op.hasRoot() {
		k.root = r.Op.Root
	}
	return k
}

func (p FusionPolicy) Group(plan *Plan, ids []int) [][]int {
	var descs []RequestDesc
	var unknown []int
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, ok := plan.Lookup(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		descs = append(descs, d)
	}
	sort.SliceStable(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		if a.DependencyDepth != b.DependencyDepth {
			return a.DependencyDepth < b.DependencyDepth
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})

	// descs are depth-major, so buckets in first-seen order are too
	var keys []fusionKey
	buckets := make(map[fusionKey][]RequestDesc)
	for _, d := range descs {
		k := keyOf(d)
		if _, ok := buckets[k]; !ok {
			keys = append(keys, k)
		}
		buckets[k] = append(buckets[k], d)
	}

	var groups [][]int
	for _, k := range keys {
		groups = append(groups, p.split(buckets[k])...)
	}
	// unknown ids fail on their own in ExecuteRequests
	for _, id := range unknown {
		groups = append(groups, []int{id})
	}
	return groups
}

func (p FusionPolicy) split(bucket []RequestDesc) [][]int {
	var groups [][]int
	var cur []int
	var curBytes int64
	for _, d := range bucket {
		size := int64(d.Op.byteSize())
		full := p.MaxGroupSize > 0 && len(cur) >= p.MaxGroupSize
		over := p.ThresholdBytes > 0 && len(cur) > 0 && curBytes+size > p.ThresholdBytes
		if full || over {
			groups = append(groups, cur)
			cur, curBytes = nil, 0
		}
		cur = append(cur, d.ID)
		curBytes += size
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
