package arrow_client

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// PayloadSchema is the single binary column every exchange message carries.
var PayloadSchema = arrow.NewSchema([]arrow.Field{
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

// NewPayloadRecord wraps payload in a one-row record. The caller releases it.
func NewPayloadRecord(mem memory.Allocator, payload []byte) arrow.Record {
	b := array.NewRecordBuilder(mem, PayloadSchema)
	defer b.Release()
	b.Field(0).(*array.BinaryBuilder).Append(payload)
	return b.NewRecord()
}

// PayloadOf copies the payload out of a record built by NewPayloadRecord.
func PayloadOf(rec arrow.Record) ([]byte, error) {
	if rec == nil || rec.NumRows() != 1 || rec.NumCols() != 1 {
		return nil, fmt.Errorf("malformed payload record")
	}
	col, ok := rec.Column(0).(*array.Binary)
	if !ok {
		return nil, fmt.Errorf("payload column is %s, want binary", rec.Column(0).DataType())
	}
	return append([]byte{}, col.Value(0)...), nil
}

// ExchangeDescriptor identifies one rank's part of a collective request.
// It travels as the Flight descriptor path.
type ExchangeDescriptor struct {
	Session  string
	Request  int
	Rank     int
	NumRanks int
	Kind     string
	Method   string
	DType    string
	Root     int
}

func (d ExchangeDescriptor) Path() []string {
	return []string{
		d.Session,
		strconv.Itoa(d.Request),
		strconv.Itoa(d.Rank),
		strconv.Itoa(d.NumRanks),
		d.Kind,
		d.Method,
		d.DType,
		strconv.Itoa(d.Root),
	}
}

func (d ExchangeDescriptor) FlightDescriptor() *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: d.Path()}
}

// Key names the rendezvous all ranks of one request meet at.
func (d ExchangeDescriptor) Key() string {
	return d.Session + "/" + strconv.Itoa(d.Request)
}

func (d ExchangeDescriptor) String() string {
	return fmt.Sprintf("%s rank %d/%d (%s)", d.Key(), d.Rank, d.NumRanks, d.Kind)
}

// ParseExchangeDescriptor is the inverse of Path.
func ParseExchangeDescriptor(fd *flight.FlightDescriptor) (ExchangeDescriptor, error) {
	if fd == nil || fd.Type != flight.DescriptorPATH || len(fd.Path) != 8 {
		return ExchangeDescriptor{}, fmt.Errorf("malformed exchange descriptor")
	}
	p := fd.Path
	var d ExchangeDescriptor
	var err error
	d.Session, d.Kind, d.Method, d.DType = p[0], p[4], p[5], p[6]
	ints := []*int{&d.Request, &d.Rank, &d.NumRanks, &d.Root}
	for i, idx := range []int{1, 2, 3, 7} {
		if *ints[i], err = strconv.Atoi(p[idx]); err != nil {
			return ExchangeDescriptor{}, fmt.Errorf("exchange descriptor field %d: %w", idx, err)
		}
	}
	if d.NumRanks <= 0 || d.Rank < 0 || d.Rank >= d.NumRanks {
		return ExchangeDescriptor{}, fmt.Errorf("exchange descriptor rank %d of %d", d.Rank, d.NumRanks)
	}
	return d, nil
}
