// Package integration drives the full pipeline in memory: fan-out of a large
// PDF, per-part parsing, fan-in, chunking, and forwarding to the indexing
// queue.
package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/katechat/docproc/internal/minpdf"
	"github.com/katechat/docproc/metrics"
	"github.com/katechat/docproc/orchestrator"
	"github.com/katechat/docproc/pdfbatch"
	"github.com/katechat/docproc/progress"
	"github.com/katechat/docproc/queue"
	"github.com/katechat/docproc/report"
	"github.com/katechat/docproc/store"
	"github.com/katechat/docproc/textprep"
)

// memQueue collects sent commands; the test pump feeds processing commands
// back into the orchestrator.
type memQueue struct {
	mu         sync.Mutex
	processing []queue.Command
	indexing   []queue.Command
}

func (q *memQueue) Send(ctx context.Context, target queue.Target, cmd queue.Command, delaySeconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if target == queue.TargetIndexing {
		q.indexing = append(q.indexing, cmd)
	} else {
		q.processing = append(q.processing, cmd)
	}
	return nil
}

func (q *memQueue) pop() (queue.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.processing) == 0 {
		return queue.Command{}, false
	}
	cmd := q.processing[0]
	q.processing = q.processing[1:]
	return cmd, true
}

// memRegistry is a TTL-less progress registry.
type memRegistry struct {
	mu       sync.Mutex
	values   map[string]float64
	counters map[string]int64
	statuses map[string]string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{values: map[string]float64{}, counters: map[string]int64{}, statuses: map[string]string{}}
}

func (r *memRegistry) SetProgress(ctx context.Context, key string, value float64, documentID, status, info string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	r.statuses[key] = status
	return nil
}

func (r *memRegistry) Get(ctx context.Context, key string) (float64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.values[key]
	return value, ok, nil
}

func (r *memRegistry) IncrParts(ctx context.Context, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
	return r.counters[key], nil
}

func (r *memRegistry) Publish(ctx context.Context, n progress.Notification) error { return nil }

// pdfParser emits one text block per page of the input PDF, standing in for
// the external parser tool.
type pdfParser struct {
	batcher *pdfbatch.Batcher
}

func (p *pdfParser) Parse(ctx context.Context, inputPath, outputPath string) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	pages, err := p.batcher.PageCount(data)
	if err != nil {
		return err
	}

	raw := report.RawDocument{Origin: report.RawOrigin{Filename: "doc.pdf"}}
	for i := 0; i < pages; i++ {
		raw.Body.Children = append(raw.Body.Children, report.Ref{Ref: fmt.Sprintf("#/texts/%d", i)})
		raw.Texts = append(raw.Texts, report.RawText{
			SelfRef: fmt.Sprintf("#/texts/%d", i),
			Label:   report.TypeText,
			Text:    fmt.Sprintf("content of page %d", i+1),
			Prov:    []report.Prov{{PageNo: i + 1}},
		})
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, payload, 0o600)
}

// wordChunker prepares pages with the real preparation rules and emits one
// chunk per page, avoiding the token encoder download in tests.
type wordChunker struct{}

func (wordChunker) Prepare(r *report.Report) (*textprep.ChunkedReport, error) {
	return textprep.NewPreparation(r).ProcessReport()
}

func (wordChunker) Split(prepared *textprep.ChunkedReport) *textprep.ChunkedReport {
	chunks := []textprep.Chunk{}
	for _, page := range prepared.Pages {
		chunks = append(chunks, textprep.Chunk{
			ID: 0, Type: "content", Page: page.Page,
			LengthTokens: len(strings.Fields(page.Text)), Text: page.Text,
		})
	}
	prepared.Chunks = chunks
	return prepared
}

func TestPipeline_LargePDFEndToEnd(t *testing.T) {
	ctx := context.Background()

	artifacts := store.NewMemoryStore()
	registry := newMemRegistry()
	q := &memQueue{}
	batcher := pdfbatch.New(10)

	orch := orchestrator.New(
		artifacts, registry, q,
		&pdfParser{batcher: batcher}, batcher, wordChunker{},
		metrics.New(), zerolog.Nop(),
	)

	if err := artifacts.Put(ctx, "u/d2.pdf", minpdf.New(25), "application/pdf"); err != nil {
		t.Fatal(err)
	}

	acks := 0
	q.processing = append(q.processing, queue.Command{
		Command: queue.CmdParseDocument, DocumentID: "d2", S3Key: "u/d2.pdf", Mime: "application/pdf",
	})

	// Pump the processing queue until it drains, clearing stage progress
	// between commands so in-progress checks don't defer work.
	for steps := 0; ; steps++ {
		if steps > 50 {
			t.Fatal("pipeline did not converge")
		}
		cmd, ok := q.pop()
		if !ok {
			break
		}
		registry.mu.Lock()
		delete(registry.values, cmd.S3Key+".parsing")
		delete(registry.values, cmd.ParentS3Key+".parsing")
		delete(registry.values, cmd.S3Key+".chunking")
		registry.mu.Unlock()

		if err := orch.Handle(ctx, cmd, func() error { acks++; return nil }); err != nil {
			t.Fatalf("handle %s %s failed: %v", cmd.Command, cmd.S3Key, err)
		}
	}

	// Exactly one canonical report and one chunked report; no parts remain.
	for _, key := range []string{"u/d2.pdf.parsed.json", "u/d2.pdf.parsed.md", "u/d2.pdf.chunked.json"} {
		if ok, _ := artifacts.Exists(ctx, key); !ok {
			t.Errorf("expected artifact %s", key)
		}
	}
	parts, _ := artifacts.ListByPrefix(ctx, "u/d2.pdf.part", nil)
	if len(parts) != 0 {
		t.Errorf("part artifacts must be cleaned up, got %v", parts)
	}

	// The merged report covers all 25 pages contiguously.
	text, err := artifacts.GetText(ctx, "u/d2.pdf.parsed.json")
	if err != nil {
		t.Fatal(err)
	}
	var merged report.Report
	if err := json.Unmarshal([]byte(text), &merged); err != nil {
		t.Fatal(err)
	}
	if len(merged.Content) != 25 {
		t.Fatalf("expected 25 pages, got %d", len(merged.Content))
	}
	for i, page := range merged.Content {
		if page.Page != i+1 {
			t.Fatalf("page %d numbered %d", i, page.Page)
		}
	}

	// One index command reached the indexing queue.
	if len(q.indexing) != 1 || q.indexing[0].Command != queue.CmdIndexDocument {
		t.Fatalf("expected one index command, got %+v", q.indexing)
	}

	// Every pumped message was acked exactly once: 1 fan-out + 3 parts + 1 split.
	if acks != 5 {
		t.Errorf("expected 5 acks, got %d", acks)
	}
}
