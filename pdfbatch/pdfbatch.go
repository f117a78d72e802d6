// Package pdfbatch splits large PDFs into fixed page-count batches so that
// each batch can be parsed by an independent queue message. Each batch is a
// standalone valid PDF.
package pdfbatch

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	// The worker runs in containers without a writable home directory.
	api.DisableConfigDir()
}

// Batch is one contiguous page range emitted as an independent PDF.
type Batch struct {
	Index int    // 0-based batch number
	Data  []byte // standalone PDF bytes
}

// Batcher splits PDFs into batches of at most batchSize pages.
type Batcher struct {
	batchSize int
	conf      *model.Configuration
}

// New creates a batcher. batchSize must be at least 1.
func New(batchSize int) *Batcher {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Batcher{batchSize: batchSize, conf: conf}
}

// PageCount returns the number of pages in the PDF.
func (b *Batcher) PageCount(data []byte) (int, error) {
	count, err := api.PageCount(bytes.NewReader(data), b.conf)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return count, nil
}

// Split partitions the PDF into consecutive batches of at most batchSize
// pages. When the document fits in a single batch no batching applies and the
// returned slice is nil. Batch i contains pages [i*S+1, min((i+1)*S, P)] in
// the original order.
func (b *Batcher) Split(data []byte) ([]Batch, int, error) {
	pages, err := b.PageCount(data)
	if err != nil {
		return nil, 0, err
	}
	if pages <= b.batchSize {
		return nil, pages, nil
	}

	count := (pages + b.batchSize - 1) / b.batchSize
	batches := make([]Batch, 0, count)
	for i := 0; i < count; i++ {
		first := i*b.batchSize + 1
		last := (i + 1) * b.batchSize
		if last > pages {
			last = pages
		}

		var buf bytes.Buffer
		selected := []string{fmt.Sprintf("%d-%d", first, last)}
		if err := api.Trim(bytes.NewReader(data), &buf, selected, b.conf); err != nil {
			return nil, 0, fmt.Errorf("failed to extract pages %d-%d: %w", first, last, err)
		}
		batches = append(batches, Batch{Index: i, Data: buf.Bytes()})
	}
	return batches, pages, nil
}
