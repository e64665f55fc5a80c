package report

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// WritePprof renders batches as a gzip-compressed pprof profile with a
// single "samples/count" sample type. period is the sampling interval the
// batches were collected at. Frames are emitted leaf first, matching the
// snapshot order.
func WritePprof(w io.Writer, period time.Duration, batches []Batch) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     period.Nanoseconds(),
	}
	if len(batches) > 0 {
		p.TimeNanos = batches[0].Start.UnixNano()
		p.DurationNanos = batches[len(batches)-1].End.Sub(batches[0].Start).Nanoseconds()
	}

	funcs := make(map[string]*profile.Function)
	locs := make(map[Frame]*profile.Location)
	locFor := func(fr Frame) *profile.Location {
		if loc, ok := locs[fr]; ok {
			return loc
		}
		fn, ok := funcs[fr.Class]
		if !ok {
			fn = &profile.Function{
				ID:   uint64(len(funcs) + 1),
				Name: fr.Class,
			}
			funcs[fr.Class] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(locs) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(fr.Line)}},
		}
		locs[fr] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, b := range batches {
		for _, st := range b.Stacks {
			sample := &profile.Sample{
				Value:    []int64{st.Count},
				NumLabel: map[string][]int64{"thread": {int64(st.Thread)}},
			}
			for _, fr := range st.Frames {
				sample.Location = append(sample.Location, locFor(fr))
			}
			p.Sample = append(p.Sample, sample)
		}
	}
	return p.Write(w)
}
