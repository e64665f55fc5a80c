// Package drainpb encodes drained batches for the wire. The payload is a
// protobuf message, written and read with the low-level wire package so the
// schema lives next to the code that owns it:
//
//	message Response {
//	  repeated Batch batches = 1;
//	  uint64 dropped = 2;
//	}
//	message Batch {
//	  bytes id = 1;                // 16-byte UUID
//	  int64 start_unix_nanos = 2;
//	  int64 end_unix_nanos = 3;
//	  repeated Stack stacks = 4;
//	}
//	message Stack {
//	  uint64 thread = 1;
//	  fixed64 fingerprint = 2;
//	  int64 count = 3;
//	  repeated Frame frames = 4;
//	}
//	message Frame {
//	  string class = 1;
//	  int32 line = 2;
//	}
package drainpb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/stackprobe-dev/stackprobe-go/host"
	"github.com/stackprobe-dev/stackprobe-go/report"
)

const (
	fieldResponseBatches protowire.Number = 1
	fieldResponseDropped protowire.Number = 2

	fieldBatchID     protowire.Number = 1
	fieldBatchStart  protowire.Number = 2
	fieldBatchEnd    protowire.Number = 3
	fieldBatchStacks protowire.Number = 4

	fieldStackThread      protowire.Number = 1
	fieldStackFingerprint protowire.Number = 2
	fieldStackCount       protowire.Number = 3
	fieldStackFrames      protowire.Number = 4

	fieldFrameClass protowire.Number = 1
	fieldFrameLine  protowire.Number = 2
)

// Response is the payload served by the drain endpoint.
type Response struct {
	Batches []report.Batch
	// Dropped counts batches evicted from the spool before they could be
	// drained.
	Dropped uint64
}

// AppendResponse appends the wire encoding of r to dst and returns the
// extended buffer.
func AppendResponse(dst []byte, r Response) []byte {
	for i := range r.Batches {
		dst = protowire.AppendTag(dst, fieldResponseBatches, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendBatch(nil, &r.Batches[i]))
	}
	if r.Dropped != 0 {
		dst = protowire.AppendTag(dst, fieldResponseDropped, protowire.VarintType)
		dst = protowire.AppendVarint(dst, r.Dropped)
	}
	return dst
}

func appendBatch(dst []byte, b *report.Batch) []byte {
	dst = protowire.AppendTag(dst, fieldBatchID, protowire.BytesType)
	dst = protowire.AppendBytes(dst, b.ID[:])
	dst = protowire.AppendTag(dst, fieldBatchStart, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(b.Start.UnixNano()))
	dst = protowire.AppendTag(dst, fieldBatchEnd, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(b.End.UnixNano()))
	for i := range b.Stacks {
		dst = protowire.AppendTag(dst, fieldBatchStacks, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendStack(nil, &b.Stacks[i]))
	}
	return dst
}

func appendStack(dst []byte, s *report.Stack) []byte {
	if s.Thread != 0 {
		dst = protowire.AppendTag(dst, fieldStackThread, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(s.Thread))
	}
	if s.Fingerprint != 0 {
		dst = protowire.AppendTag(dst, fieldStackFingerprint, protowire.Fixed64Type)
		dst = protowire.AppendFixed64(dst, s.Fingerprint)
	}
	if s.Count != 0 {
		dst = protowire.AppendTag(dst, fieldStackCount, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(s.Count))
	}
	for i := range s.Frames {
		dst = protowire.AppendTag(dst, fieldStackFrames, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendFrame(nil, &s.Frames[i]))
	}
	return dst
}

func appendFrame(dst []byte, f *report.Frame) []byte {
	if f.Class != "" {
		dst = protowire.AppendTag(dst, fieldFrameClass, protowire.BytesType)
		dst = protowire.AppendString(dst, f.Class)
	}
	if f.Line != 0 {
		dst = protowire.AppendTag(dst, fieldFrameLine, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(f.Line))
	}
	return dst
}

// UnmarshalResponse decodes a payload produced by AppendResponse. Unknown
// fields are skipped.
func UnmarshalResponse(b []byte) (Response, error) {
	var r Response
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Response{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldResponseBatches && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			batch, err := unmarshalBatch(v)
			if err != nil {
				return Response{}, err
			}
			r.Batches = append(r.Batches, batch)
			b = b[n:]
		case num == fieldResponseDropped && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			r.Dropped = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Response{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func unmarshalBatch(b []byte) (report.Batch, error) {
	var batch report.Batch
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return report.Batch{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldBatchID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return report.Batch{}, protowire.ParseError(n)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return report.Batch{}, fmt.Errorf("batch id: %w", err)
			}
			batch.ID = id
			b = b[n:]
		case num == fieldBatchStart && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return report.Batch{}, protowire.ParseError(n)
			}
			batch.Start = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldBatchEnd && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return report.Batch{}, protowire.ParseError(n)
			}
			batch.End = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldBatchStacks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return report.Batch{}, protowire.ParseError(n)
			}
			stack, err := unmarshalStack(v)
			if err != nil {
				return report.Batch{}, err
			}
			batch.Stacks = append(batch.Stacks, stack)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return report.Batch{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return batch, nil
}

func unmarshalStack(b []byte) (report.Stack, error) {
	var stack report.Stack
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return report.Stack{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldStackThread && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return report.Stack{}, protowire.ParseError(n)
			}
			stack.Thread = host.ThreadID(v)
			b = b[n:]
		case num == fieldStackFingerprint && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return report.Stack{}, protowire.ParseError(n)
			}
			stack.Fingerprint = v
			b = b[n:]
		case num == fieldStackCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return report.Stack{}, protowire.ParseError(n)
			}
			stack.Count = int64(v)
			b = b[n:]
		case num == fieldStackFrames && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return report.Stack{}, protowire.ParseError(n)
			}
			frame, err := unmarshalFrame(v)
			if err != nil {
				return report.Stack{}, err
			}
			stack.Frames = append(stack.Frames, frame)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return report.Stack{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return stack, nil
}

func unmarshalFrame(b []byte) (report.Frame, error) {
	var frame report.Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return report.Frame{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldFrameClass && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return report.Frame{}, protowire.ParseError(n)
			}
			frame.Class = v
			b = b[n:]
		case num == fieldFrameLine && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return report.Frame{}, protowire.ParseError(n)
			}
			frame.Line = int32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return report.Frame{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return frame, nil
}
