package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// BatchStore moves captured batches to and from a remote store. The Flight
// client is the real implementation; MockStore backs tests.
type BatchStore interface {
	Connect(ctx context.Context) error
	Close() error
	Push(ctx context.Context, name string, b *Batch) error
	Pull(ctx context.Context, name string) (*Batch, error)
}

// FlightClient speaks Arrow Flight to a longbow capture endpoint. Batches
// are addressed by path descriptor ("bodkin", name) on push and by ticket
// "bodkin/name" on pull.
type FlightClient struct {
	addr   string
	client flight.Client
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{addr: addr}
}

// Connect dials the Flight endpoint over an insecure channel.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("flight dial %s: %w", fc.addr, err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Push uploads one batch under name.
func (fc *FlightClient) Push(ctx context.Context, name string, b *Batch) (err error) {
	defer func() { metrics.RecordFlightRequest("do_put", err) }()
	if fc.client == nil {
		return fmt.Errorf("flight client not connected")
	}

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("do_put open: %w", err)
	}

	mem := memory.NewGoAllocator()
	rec, schema := buildRecord(mem, b)
	defer rec.Release()

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"bodkin", name},
	})
	if err = wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("do_put write: %w", err)
	}
	if err = wr.Close(); err != nil {
		return fmt.Errorf("do_put finish: %w", err)
	}
	if err = stream.CloseSend(); err != nil {
		return fmt.Errorf("do_put close send: %w", err)
	}
	for {
		if _, err = stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
				break
			}
			return fmt.Errorf("do_put ack: %w", err)
		}
	}
	metrics.RecordCaptureRecords("push", len(b.CtxLens))
	return nil
}

// Pull downloads the batch stored under name.
func (fc *FlightClient) Pull(ctx context.Context, name string) (b *Batch, err error) {
	defer func() { metrics.RecordFlightRequest("do_get", err) }()
	if fc.client == nil {
		return nil, fmt.Errorf("flight client not connected")
	}

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte("bodkin/" + name)})
	if err != nil {
		return nil, fmt.Errorf("do_get open: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("do_get stream: %w", err)
	}
	defer rdr.Release()

	if b, err = decodeStream(rdr); err != nil {
		return nil, fmt.Errorf("do_get decode: %w", err)
	}
	metrics.RecordCaptureRecords("pull", len(b.CtxLens))
	return b, nil
}

// Info fetches the endpoint's metadata for a stored batch.
func (fc *FlightClient) Info(ctx context.Context, name string) (*flight.FlightInfo, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("flight client not connected")
	}
	return fc.client.GetFlightInfo(ctx, &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"bodkin", name},
	})
}
