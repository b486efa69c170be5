package capture

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// One Arrow record row per sequence: its length, its flattened token-major
// Q/K/V values, and its block-table row. Batch-wide geometry rides in the
// schema metadata.
const (
	metaHeads       = "bodkin.heads"
	metaKVHeads     = "bodkin.kv_heads"
	metaHeadDim     = "bodkin.head_dim"
	metaBlockSize   = "bodkin.block_size"
	metaCacheBlocks = "bodkin.cache_blocks"
	metaDType       = "bodkin.dtype"
)

func batchSchema(b *Batch) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaHeads, metaKVHeads, metaHeadDim, metaBlockSize, metaCacheBlocks, metaDType},
		[]string{
			strconv.Itoa(b.Q.Heads),
			strconv.Itoa(b.K.Heads),
			strconv.Itoa(b.Q.HeadDim),
			strconv.Itoa(b.BlockSize),
			strconv.Itoa(b.CacheBlocks),
			b.Q.DType.String(),
		},
	)
	fields := []arrow.Field{
		{Name: "seq_len", Type: arrow.PrimitiveTypes.Int32},
		{Name: "q", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "k", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "v", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "block_row", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	}
	return arrow.NewSchema(fields, &md)
}

type geometry struct {
	heads       int
	kvHeads     int
	headDim     int
	blockSize   int
	cacheBlocks int
	dtype       tensor.DType
}

func geometryFromSchema(schema *arrow.Schema) (geometry, error) {
	var g geometry
	md := schema.Metadata()
	intOf := func(key string) (int, error) {
		idx := md.FindKey(key)
		if idx < 0 {
			return 0, fmt.Errorf("capture schema missing %s", key)
		}
		return strconv.Atoi(md.Values()[idx])
	}
	var err error
	if g.heads, err = intOf(metaHeads); err != nil {
		return g, err
	}
	if g.kvHeads, err = intOf(metaKVHeads); err != nil {
		return g, err
	}
	if g.headDim, err = intOf(metaHeadDim); err != nil {
		return g, err
	}
	if g.blockSize, err = intOf(metaBlockSize); err != nil {
		return g, err
	}
	if g.cacheBlocks, err = intOf(metaCacheBlocks); err != nil {
		return g, err
	}
	idx := md.FindKey(metaDType)
	if idx < 0 {
		return g, fmt.Errorf("capture schema missing %s", metaDType)
	}
	if g.dtype, err = tensor.ParseDType(md.Values()[idx]); err != nil {
		return g, err
	}
	return g, nil
}

// buildRecord lays a batch out as a single Arrow record. The caller owns
// the returned record and must Release it.
func buildRecord(mem memory.Allocator, b *Batch) (arrow.Record, *arrow.Schema) {
	schema := batchSchema(b)
	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	lenB := rb.Field(0).(*array.Int32Builder)
	qB := rb.Field(1).(*array.ListBuilder)
	qV := qB.ValueBuilder().(*array.Float32Builder)
	kB := rb.Field(2).(*array.ListBuilder)
	kV := kB.ValueBuilder().(*array.Float32Builder)
	vB := rb.Field(3).(*array.ListBuilder)
	vV := vB.ValueBuilder().(*array.Float32Builder)
	rowB := rb.Field(4).(*array.ListBuilder)
	rowV := rowB.ValueBuilder().(*array.Int32Builder)

	qFlat := b.Q.Float32()
	kFlat := b.K.Float32()
	vFlat := b.V.Float32()
	qStride, _, _ := b.Q.Strides()
	kvStride, _, _ := b.K.Strides()

	off := 0
	for s, n := range b.CtxLens {
		lenB.Append(n)
		qB.Append(true)
		qV.AppendValues(qFlat[off*qStride:(off+int(n))*qStride], nil)
		kB.Append(true)
		kV.AppendValues(kFlat[off*kvStride:(off+int(n))*kvStride], nil)
		vB.Append(true)
		vV.AppendValues(vFlat[off*kvStride:(off+int(n))*kvStride], nil)
		rowB.Append(true)
		rowV.AppendValues(b.Table.Row(s), nil)
		off += int(n)
	}
	return rb.NewRecord(), schema
}

// recordStream is the slice of the Arrow reader surface decodeStream needs;
// both ipc.Reader and flight.Reader satisfy it.
type recordStream interface {
	Schema() *arrow.Schema
	Next() bool
	Record() arrow.Record
	Err() error
}

// decodeStream rebuilds a batch from a stream of capture records. Multiple
// records concatenate along the sequence axis.
func decodeStream(rr recordStream) (*Batch, error) {
	g, err := geometryFromSchema(rr.Schema())
	if err != nil {
		return nil, err
	}

	var (
		lens  []int32
		qFlat []float32
		kFlat []float32
		vFlat []float32
		rows  [][]int32
	)

	for rr.Next() {
		rec := rr.Record()
		if rec.NumCols() != 5 {
			return nil, fmt.Errorf("capture record has %d columns, want 5", rec.NumCols())
		}
		lenCol, ok := rec.Column(0).(*array.Int32)
		if !ok {
			return nil, fmt.Errorf("capture column seq_len has type %s", rec.Column(0).DataType())
		}
		listCol := func(i int) (*array.List, error) {
			c, ok := rec.Column(i).(*array.List)
			if !ok {
				return nil, fmt.Errorf("capture column %s has type %s", rec.Schema().Field(i).Name, rec.Column(i).DataType())
			}
			return c, nil
		}
		qCol, err := listCol(1)
		if err != nil {
			return nil, err
		}
		kCol, err := listCol(2)
		if err != nil {
			return nil, err
		}
		vCol, err := listCol(3)
		if err != nil {
			return nil, err
		}
		rowCol, err := listCol(4)
		if err != nil {
			return nil, err
		}

		qVals := qCol.ListValues().(*array.Float32).Float32Values()
		kVals := kCol.ListValues().(*array.Float32).Float32Values()
		vVals := vCol.ListValues().(*array.Float32).Float32Values()
		rowVals := rowCol.ListValues().(*array.Int32).Int32Values()

		for i := 0; i < int(rec.NumRows()); i++ {
			lens = append(lens, lenCol.Value(i))
			qo := qCol.Offsets()
			ko := kCol.Offsets()
			vo := vCol.Offsets()
			ro := rowCol.Offsets()
			qFlat = append(qFlat, qVals[qo[i]:qo[i+1]]...)
			kFlat = append(kFlat, kVals[ko[i]:ko[i+1]]...)
			vFlat = append(vFlat, vVals[vo[i]:vo[i+1]]...)
			rows = append(rows, append([]int32(nil), rowVals[ro[i]:ro[i+1]]...))
		}
	}
	if err := rr.Err(); err != nil {
		return nil, fmt.Errorf("capture stream: %w", err)
	}

	tokens := 0
	for _, n := range lens {
		tokens += int(n)
	}
	q, err := tensor.PackedFromFloat32(qFlat, tokens, g.heads, g.headDim, g.dtype)
	if err != nil {
		return nil, fmt.Errorf("capture q column: %w", err)
	}
	k, err := tensor.PackedFromFloat32(kFlat, tokens, g.kvHeads, g.headDim, g.dtype)
	if err != nil {
		return nil, fmt.Errorf("capture k column: %w", err)
	}
	v, err := tensor.PackedFromFloat32(vFlat, tokens, g.kvHeads, g.headDim, g.dtype)
	if err != nil {
		return nil, fmt.Errorf("capture v column: %w", err)
	}

	return &Batch{
		Q: q, K: k, V: v,
		CtxLens:     lens,
		Table:       kvcache.BlockTableFromRows(rows),
		BlockSize:   g.blockSize,
		CacheBlocks: g.cacheBlocks,
	}, nil
}
