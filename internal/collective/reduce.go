package collective

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-eager/internal/blob"
)

type number interface {
	~int8 | ~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

func combine[T number](m ReduceMethod, a, b T) T {
	switch m {
	case Prod:
		return a * b
	case Max:
		if b > a {
			return b
		}
		return a
	case Min:
		if b < a {
			return b
		}
		return a
	default:
		return a + b
	}
}

// reduceInto folds src into acc element-wise. Both buffers hold the same
// number of little-endian elements of dtype.
func reduceInto(m ReduceMethod, dtype blob.DType, acc, src []byte) error {
	if len(acc) != len(src) {
		return fmt.Errorf("reduce: buffer sizes differ (%d vs %d)", len(acc), len(src))
	}
	if len(acc)%dtype.Size() != 0 {
		return fmt.Errorf("reduce: %d bytes is not a whole number of %v", len(acc), dtype)
	}
	le := binary.LittleEndian
	switch dtype {
	case blob.Bool:
		for i := range acc {
			a, b := acc[i] != 0, src[i] != 0
			var r bool
			if m == Sum || m == Max {
				r = a || b
			} else {
				r = a && b
			}
			acc[i] = 0
			if r {
				acc[i] = 1
			}
		}
	case blob.Int8:
		for i := range acc {
			acc[i] = byte(combine(m, int8(acc[i]), int8(src[i])))
		}
	case blob.UInt8:
		for i := range acc {
			acc[i] = combine(m, acc[i], src[i])
		}
	case blob.Int32:
		for i := 0; i < len(acc); i += 4 {
			r := combine(m, int32(le.Uint32(acc[i:])), int32(le.Uint32(src[i:])))
			le.PutUint32(acc[i:], uint32(r))
		}
	case blob.Int64:
		for i := 0; i < len(acc); i += 8 {
			r := combine(m, int64(le.Uint64(acc[i:])), int64(le.Uint64(src[i:])))
			le.PutUint64(acc[i:], uint64(r))
		}
	case blob.Float16:
		for i := 0; i < len(acc); i += 2 {
			a := float16.Frombits(le.Uint16(acc[i:])).Float32()
			b := float16.Frombits(le.Uint16(src[i:])).Float32()
			le.PutUint16(acc[i:], float16.Fromfloat32(combine(m, a, b)).Bits())
		}
	case blob.Float32:
		for i := 0; i < len(acc); i += 4 {
			a := math.Float32frombits(le.Uint32(acc[i:]))
			b := math.Float32frombits(le.Uint32(src[i:]))
			le.PutUint32(acc[i:], math.Float32bits(combine(m, a, b)))
		}
	case blob.Float64:
		for i := 0; i < len(acc); i += 8 {
			a := math.Float64frombits(le.Uint64(acc[i:]))
			b := math.Float64frombits(le.Uint64(src[i:]))
			le.PutUint64(acc[i:], math.Float64bits(combine(m, a, b)))
		}
	default:
		return fmt.Errorf("reduce: unsupported dtype %v", dtype)
	}
	return nil
}

// Compute produces every rank's receive buffer from the send buffers of one
// request. It is shared by the in-process transport and the Flight reducer.
func Compute(op OpDesc, send [][]byte) ([][]byte, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	if len(send) != op.NumRanks {
		return nil, fmt.Errorf("%s: %d inputs for %d ranks", op.Kind, len(send), op.NumRanks)
	}
	for rank, b := range send {
		if len(b) != op.SendBytes(rank) {
			return nil, fmt.Errorf("%s rank %d: send buffer is %d bytes, want %d", op.Kind, rank, len(b), op.SendBytes(rank))
		}
	}
	out := make([][]byte, op.NumRanks)
	switch op.Kind {
	case AllReduce, ReduceScatter, Reduce:
		acc := append([]byte(nil), send[0]...)
		for _, b := range send[1:] {
			if err := reduceInto(op.ReduceMethod, op.DType, acc, b); err != nil {
				return nil, err
			}
		}
		chunk := len(acc) / op.NumRanks
		for rank := range out {
			switch op.Kind {
			case AllReduce:
				out[rank] = acc
			case ReduceScatter:
				out[rank] = acc[rank*chunk : (rank+1)*chunk]
			case Reduce:
				if rank == op.Root {
					out[rank] = acc
				} else {
					out[rank] = []byte{}
				}
			}
		}
	case AllGather:
		gathered := make([]byte, 0, op.RecvBytes(0))
		for _, b := range send {
			gathered = append(gathered, b...)
		}
		for rank := range out {
			out[rank] = gathered
		}
	case Broadcast:
		for rank := range out {
			out[rank] = send[op.Root]
		}
	default:
		return nil, fmt.Errorf("unsupported op kind %v", op.Kind)
	}
	return out, nil
}
