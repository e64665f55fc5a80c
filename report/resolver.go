package report

import (
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/stackprobe-dev/stackprobe-go/host"
)

// unknownClass stands in for references the host cannot resolve.
const unknownClass = "<unknown>"

// resolver caches class lookups. Concurrent first lookups of the same
// reference collapse through singleflight so the host sees each reference
// once.
type resolver struct {
	fc    FrameClasser
	group singleflight.Group
	cache sync.Map // host.FrameRef -> string
}

func newResolver(fc FrameClasser) *resolver {
	return &resolver{fc: fc}
}

func (r *resolver) class(ref host.FrameRef) string {
	if v, ok := r.cache.Load(ref); ok {
		return v.(string)
	}
	v, _, _ := r.group.Do(strconv.FormatUint(uint64(ref), 16), func() (interface{}, error) {
		if v, ok := r.cache.Load(ref); ok {
			return v.(string), nil
		}
		name, ok := r.fc.FrameClass(ref)
		if !ok {
			name = unknownClass
		}
		r.cache.Store(ref, name)
		return name, nil
	})
	return v.(string)
}
