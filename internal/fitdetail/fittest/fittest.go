// Package fittest builds FIT activity files for tests.
package fittest

import (
	"bytes"
	"testing"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
)

// Sample is one record, Offset seconds after the start
type Sample struct {
	Offset int
	Watts  uint16
}

// PowerFile encodes an activity with one record per second carrying watts[i]
func PowerFile(t testing.TB, start time.Time, watts []uint16) []byte {
	t.Helper()

	samples := make([]Sample, len(watts))
	for i, w := range watts {
		samples[i] = Sample{Offset: i, Watts: w}
	}
	return Records(t, start, samples)
}

// Records encodes an activity with the given records
func Records(t testing.TB, start time.Time, samples []Sample) []byte {
	t.Helper()

	fit := &proto.FIT{
		Messages: []proto.Message{
			mesgdef.NewFileId(nil).
				SetType(typedef.FileActivity).
				SetManufacturer(typedef.ManufacturerDevelopment).
				SetProduct(1).
				SetTimeCreated(start).
				ToMesg(nil),
		},
	}
	for _, s := range samples {
		rec := mesgdef.NewRecord(nil).
			SetTimestamp(start.Add(time.Duration(s.Offset) * time.Second)).
			SetPower(s.Watts)
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}

	var buf bytes.Buffer
	if err := encoder.New(&buf).Encode(fit); err != nil {
		t.Fatalf("Failed to encode FIT file: %v", err)
	}
	return buf.Bytes()
}

// Constant returns n samples of the same power
func Constant(watts uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = watts
	}
	return out
}
