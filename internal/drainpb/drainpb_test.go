package drainpb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/stackprobe-dev/stackprobe-go/report"
)

func sampleResponse() Response {
	return Response{
		Batches: []report.Batch{
			{
				ID:    uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
				Start: time.Unix(0, 1700000000000000000),
				End:   time.Unix(0, 1700000001000000000),
				Stacks: []report.Stack{
					{
						Thread:      7,
						Fingerprint: 0xdeadbeefcafe,
						Count:       3,
						Frames: []report.Frame{
							{Class: "db.Query", Line: 42},
							{Class: "api.Handle", Line: 9},
						},
					},
					{
						Thread:      9,
						Fingerprint: 1,
						Count:       1,
						Frames:      []report.Frame{{Class: "idle.Wait"}},
					},
				},
			},
			{
				ID:    uuid.MustParse("f47ac10b-58cc-4372-a567-0e02b2c3d479"),
				Start: time.Unix(0, 2000000000000000000),
				End:   time.Unix(0, 2000000001000000000),
			},
		},
		Dropped: 4,
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := sampleResponse()
	b := AppendResponse(nil, want)
	got, err := UnmarshalResponse(b)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEmptyResponse(t *testing.T) {
	b := AppendResponse(nil, Response{})
	require.Empty(t, b)
	got, err := UnmarshalResponse(b)
	require.NoError(t, err)
	require.Empty(t, got.Batches)
	require.Zero(t, got.Dropped)
}

func TestTruncatedPayload(t *testing.T) {
	b := AppendResponse(nil, sampleResponse())
	_, err := UnmarshalResponse(b[:len(b)-3])
	require.Error(t, err)
}

func TestBadBatchID(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldBatchID, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte{1, 2, 3})

	var b []byte
	b = protowire.AppendTag(b, fieldResponseBatches, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)

	_, err := UnmarshalResponse(b)
	require.ErrorContains(t, err, "batch id")
}

func TestUnknownFieldsSkipped(t *testing.T) {
	want := sampleResponse()
	b := AppendResponse(nil, want)
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 99)

	got, err := UnmarshalResponse(b)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
