package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func putF32(buf *bytes.Buffer, v float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	buf.Write(b[:])
}

func encodeEdgeP(phase, vari, magSq []float32) []byte {
	var buf bytes.Buffer
	for _, v := range phase {
		putF32(&buf, v)
	}
	for _, v := range vari {
		putF32(&buf, v)
	}
	for _, v := range magSq {
		putF32(&buf, v)
	}
	return buf.Bytes()
}

func TestReadFramesetLayoutP(t *testing.T) {
	const l = 4
	phase := []float32{0.1, 0.2, 0.3, 0.4}
	vari := []float32{1, 1, 1, 1}
	magSq := []float32{2, 2, 2, 2}

	var stream bytes.Buffer
	for i := 0; i < 3; i++ { // E=3
		stream.Write(encodeEdgeP(phase, vari, magSq))
	}

	r := New(&stream, LayoutP, l, 3)
	edges, err := r.ReadFrameset()
	require.NoError(t, err)
	require.Len(t, edges, 3)
	require.Equal(t, phase, edges[0].Phase)
	require.Equal(t, vari, edges[0].Var)
	require.Equal(t, magSq, edges[0].MagSq)
}

func TestReadFramesetLayoutC(t *testing.T) {
	const l = 2
	var stream bytes.Buffer
	putF32(&stream, 1) // re
	putF32(&stream, 0) // im
	putF32(&stream, 0) // re
	putF32(&stream, 1) // im

	r := New(&stream, LayoutC, l, 1)
	edges, err := r.ReadFrameset()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.InDelta(t, 0, edges[0].Phase[0], 1e-6)
	require.InDelta(t, math.Pi/2, edges[0].Phase[1], 1e-6)
	require.Equal(t, float32(1), edges[0].Var[0])
	require.InDelta(t, 1, edges[0].MagSq[0], 1e-6)
}

func TestReadFramesetCleanEOF(t *testing.T) {
	r := New(&bytes.Buffer{}, LayoutP, 4, 1)
	_, err := r.ReadFrameset()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFramesetTruncatedMidFrameset(t *testing.T) {
	const l = 4
	phase := []float32{0, 0, 0, 0}
	vari := []float32{1, 1, 1, 1}
	magSq := []float32{1, 1, 1, 1}

	var stream bytes.Buffer
	stream.Write(encodeEdgeP(phase, vari, magSq)) // edge 0 complete
	stream.Write([]byte{1, 2, 3})                 // edge 1 short

	r := New(&stream, LayoutP, l, 2)
	edges, err := r.ReadFrameset()
	require.Nil(t, edges)
	require.True(t, errors.Is(err, ErrTruncated))
}

func TestReadFramesetTruncatedAtVeryStartIsNotEOF(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{1, 2, 3}) // fewer bytes than one edge, but non-zero

	r := New(&stream, LayoutP, 4, 1)
	_, err := r.ReadFrameset()
	require.True(t, errors.Is(err, ErrTruncated))
	require.False(t, errors.Is(err, io.EOF))
}
