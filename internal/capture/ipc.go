package capture

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// WriteBatch serializes one batch as an Arrow IPC stream.
func WriteBatch(w io.Writer, b *Batch) error {
	mem := memory.NewGoAllocator()
	rec, schema := buildRecord(mem, b)
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("capture write: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("capture finish: %w", err)
	}
	metrics.RecordCaptureRecords("write", len(b.CtxLens))
	return nil
}

// ReadBatch rebuilds a batch from an Arrow IPC stream.
func ReadBatch(r io.Reader) (*Batch, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("capture open: %w", err)
	}
	defer rdr.Release()

	b, err := decodeStream(rdr)
	if err != nil {
		return nil, err
	}
	metrics.RecordCaptureRecords("read", len(b.CtxLens))
	return b, nil
}

// WriteFile captures a batch to disk.
func WriteFile(path string, b *Batch) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("capture create %s: %w", path, err)
	}
	if err := WriteBatch(f, b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile replays a batch from disk.
func ReadFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture open %s: %w", path, err)
	}
	defer f.Close()
	return ReadBatch(f)
}
