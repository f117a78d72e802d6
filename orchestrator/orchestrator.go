// Package orchestrator drives the document pipeline state machine: it
// classifies queue commands, runs the parse and split stages, fans large PDFs
// out into per-batch messages and fans their partial reports back in. Every
// step is guarded by artifact-existence checks so redelivered messages are
// no-ops once their output exists.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/katechat/docproc/metrics"
	"github.com/katechat/docproc/parserpool"
	"github.com/katechat/docproc/pdfbatch"
	"github.com/katechat/docproc/progress"
	"github.com/katechat/docproc/queue"
	"github.com/katechat/docproc/report"
	"github.com/katechat/docproc/store"
	"github.com/katechat/docproc/textprep"
)

// requeueDelay spaces retries of an in-progress document past the progress
// record TTL, so a crashed worker's stale record clears before the retry.
const requeueDelay = 180

// Stage status names published on the status channel.
const (
	statusParsing  = "parsing"
	statusChunking = "chunking"
	statusError    = "error"
)

// Parser dispatches one document file to a parse worker.
type Parser interface {
	Parse(ctx context.Context, inputPath, outputPath string) error
}

// Batcher partitions PDF bytes into page batches.
type Batcher interface {
	Split(data []byte) ([]pdfbatch.Batch, int, error)
}

// Chunker prepares report text and splits it into token-bounded chunks.
type Chunker interface {
	Prepare(r *report.Report) (*textprep.ChunkedReport, error)
	Split(prepared *textprep.ChunkedReport) *textprep.ChunkedReport
}

// Sender enqueues pipeline commands.
type Sender interface {
	Send(ctx context.Context, target queue.Target, cmd queue.Command, delaySeconds int32) error
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	store    store.Store
	registry progress.Registry
	queue    Sender
	parser   Parser
	batcher  Batcher
	chunker  Chunker
	metrics  *metrics.Metrics
	log      zerolog.Logger
	tempDir  string
}

// New creates an orchestrator.
func New(
	artifacts store.Store,
	registry progress.Registry,
	sender Sender,
	parser Parser,
	batcher Batcher,
	chunker Chunker,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:    artifacts,
		registry: registry,
		queue:    sender,
		parser:   parser,
		batcher:  batcher,
		chunker:  chunker,
		metrics:  m,
		log:      log,
		tempDir:  os.TempDir(),
	}
}

// Artifact key derivations. Every derived artifact shares the root key of the
// uploaded document.
func parsingKey(key string) string       { return key + ".parsing" }
func chunkingKey(key string) string      { return key + ".chunking" }
func partsProgressKey(key string) string { return key + ".parts_progress" }
func parsedJSONKey(key string) string    { return key + ".parsed.json" }
func parsedMDKey(key string) string      { return key + ".parsed.md" }
func chunkedJSONKey(key string) string   { return key + ".chunked.json" }
func partKey(key string, part int) string {
	return fmt.Sprintf("%s.part%d", key, part)
}

// Handle processes one command. The ack callback deletes the message from the
// queue; it is invoked only once the command's effects are durable, so a
// crash before ack leads to redelivery rather than a lost document.
// A returned error means the message was not acked and will redeliver.
func (o *Orchestrator) Handle(ctx context.Context, cmd queue.Command, ack func() error) error {
	if !cmd.Valid() {
		o.log.Warn().Interface("command", cmd).Msg("dropping command with missing required fields")
		o.metrics.CommandsDropped.Inc()
		return ack()
	}

	o.metrics.CommandsReceived.WithLabelValues(cmd.Command).Inc()
	o.log.Info().
		Str("command", cmd.Command).
		Str("documentId", cmd.DocumentID).
		Str("s3key", cmd.S3Key).
		Msg("processing command")

	switch cmd.Command {
	case queue.CmdParseDocument:
		if cmd.IsPart() {
			return o.handleParsePart(ctx, cmd, ack)
		}
		return o.handleParseFull(ctx, cmd, ack)
	case queue.CmdSplitDocument:
		return o.handleSplit(ctx, cmd, ack)
	default:
		o.log.Warn().Str("command", cmd.Command).Msg("unknown command type")
		o.metrics.CommandsDropped.Inc()
		return ack()
	}
}

// handleParseFull runs the parse stage for an unpartitioned document, or fans
// a large PDF out into per-batch commands.
func (o *Orchestrator) handleParseFull(ctx context.Context, cmd queue.Command, ack func() error) error {
	key := cmd.S3Key
	docID := cmd.DocumentID

	done, err := o.store.Exists(ctx, parsedJSONKey(key))
	if err != nil {
		return err
	}
	if done {
		o.log.Info().Str("documentId", docID).Msg("document already parsed, skipping to split")
		if err := o.sendSplit(ctx, docID, key); err != nil {
			return err
		}
		return ack()
	}

	if value, exists, err := o.registry.Get(ctx, parsingKey(key)); err != nil {
		return err
	} else if exists && value <= 1 {
		o.log.Info().Str("documentId", docID).Float64("progress", value).Msg("parsing in progress, delaying")
		if err := o.queue.Send(ctx, queue.TargetProcessing, cmd, requeueDelay); err != nil {
			return err
		}
		return ack()
	}

	if err := o.setParsing(ctx, key, 0.0, docID, ""); err != nil {
		return err
	}

	data, contentType, err := o.store.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	mime := resolveMime(cmd.Mime, contentType, data)

	if strings.HasPrefix(mime, "application/pdf") {
		handled, err := o.fanOut(ctx, docID, key, mime, data, ack)
		if handled || err != nil {
			return err
		}
	}

	if err := o.setParsing(ctx, key, 0.3, docID, ""); err != nil {
		return err
	}
	rep, err := o.runParse(ctx, key, data, func(value float64) error {
		return o.setParsing(ctx, key, value, docID, "")
	})
	if err != nil {
		if terminalParseError(err) {
			return o.failDocument(ctx, parsingKey(key), docID, err, ack)
		}
		return err
	}

	if err := o.setParsing(ctx, key, 0.8, docID, ""); err != nil {
		return err
	}
	if err := o.writeReports(ctx, key, rep); err != nil {
		if terminalParseError(err) {
			return o.failDocument(ctx, parsingKey(key), docID, err, ack)
		}
		return err
	}

	if err := o.setParsing(ctx, key, 1.0, docID, ""); err != nil {
		return err
	}
	if err := o.sendSplit(ctx, docID, key); err != nil {
		return err
	}
	o.metrics.DocumentsParsed.Inc()
	o.log.Info().Str("documentId", docID).Msg("document parsed")
	return ack()
}

// fanOut partitions a PDF and enqueues one parse command per batch. The
// message is acked only after every batch is stored and enqueued; a store or
// enqueue failure leaves it unacked for redelivery, while a PDF the batcher
// cannot read fails the document and is acked. Returns handled=false when the
// document fits a single batch.
func (o *Orchestrator) fanOut(ctx context.Context, docID, key, mime string, data []byte, ack func() error) (bool, error) {
	batches, pages, err := o.batcher.Split(data)
	if err != nil {
		// A PDF the batcher cannot read will not parse either.
		return true, o.failDocument(ctx, parsingKey(key), docID, fmt.Errorf("failed to split pdf: %w", err), ack)
	}
	if len(batches) == 0 {
		return false, nil
	}

	o.log.Info().
		Str("documentId", docID).
		Int("pages", pages).
		Int("parts", len(batches)).
		Msg("partitioning document")

	for _, batch := range batches {
		if err := o.store.Put(ctx, partKey(key, batch.Index), batch.Data, mime); err != nil {
			return true, err
		}
	}
	for _, batch := range batches {
		part := queue.Command{
			Command:     queue.CmdParseDocument,
			DocumentID:  docID,
			S3Key:       partKey(key, batch.Index),
			Mime:        mime,
			ParentS3Key: key,
			Part:        batch.Index,
			PartsCount:  len(batches),
		}
		if err := o.queue.Send(ctx, queue.TargetProcessing, part, 0); err != nil {
			return true, err
		}
	}

	info := fmt.Sprintf("queued %d parts", len(batches))
	if err := o.setParsing(ctx, key, 0.0, docID, info); err != nil {
		return true, err
	}

	o.metrics.FanOuts.Inc()
	o.metrics.FanOutParts.Add(float64(len(batches)))
	return true, ack()
}

// handleParsePart parses one batch of a partitioned document and attempts
// fan-in afterwards.
func (o *Orchestrator) handleParsePart(ctx context.Context, cmd queue.Command, ack func() error) error {
	batchKey := cmd.S3Key
	parent := cmd.ParentS3Key
	docID := cmd.DocumentID
	parts := cmd.PartsCount

	done, err := o.store.Exists(ctx, parsedJSONKey(parent))
	if err != nil {
		return err
	}
	if done {
		if _, err := o.finalize(ctx, docID, parent, parts); err != nil {
			return err
		}
		return ack()
	}

	count, err := o.registry.IncrParts(ctx, partsProgressKey(parent))
	if err != nil {
		return err
	}
	if count >= 1 && count < int64(parts) {
		current, _, _ := o.registry.Get(ctx, parsingKey(parent))
		value := float64(count) / float64(parts)
		if current > value {
			value = current
		}
		if err := o.setParsing(ctx, parent, value, docID, ""); err != nil {
			return err
		}
	}

	data, _, err := o.store.GetBytes(ctx, batchKey)
	if errors.Is(err, store.ErrNotFound) {
		// The batch was consumed by an earlier delivery; only fan-in remains.
		if _, err := o.finalize(ctx, docID, parent, parts); err != nil {
			return err
		}
		return ack()
	}
	if err != nil {
		return err
	}

	rep, err := o.runParse(ctx, batchKey, data, nil)
	if err != nil {
		if terminalParseError(err) {
			if deleteErr := o.store.Delete(ctx, batchKey); deleteErr != nil {
				return deleteErr
			}
			return o.failDocument(ctx, parsingKey(parent), docID, err, ack)
		}
		return err
	}

	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return o.failDocument(ctx, parsingKey(parent), docID, err, ack)
	}
	if err := o.putIfAbsent(ctx, parsedJSONKey(batchKey), payload, "application/json"); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, batchKey); err != nil {
		return err
	}
	o.metrics.DocumentsParsed.Inc()

	if _, err := o.finalize(ctx, docID, parent, parts); err != nil {
		return err
	}
	return ack()
}

// finalize reassembles a partitioned document once every partial report
// exists. It is idempotent: the first existence check short-circuits
// duplicate invocations, and an incomplete part set just reports how many
// partials are ready. Returns the number of partials found.
func (o *Orchestrator) finalize(ctx context.Context, docID, key string, parts int) (int, error) {
	done, err := o.store.Exists(ctx, parsedJSONKey(key))
	if err != nil {
		return 0, err
	}
	if done {
		if err := o.sendSplit(ctx, docID, key); err != nil {
			return 0, err
		}
		if err := o.setParsing(ctx, key, 1.0, docID, ""); err != nil {
			return 0, err
		}
		return parts, nil
	}

	prefix := key + ".part"
	parsedParts, err := o.store.ListByPrefix(ctx, prefix, func(k string) bool {
		return strings.HasSuffix(k, ".parsed.json")
	})
	if err != nil {
		return 0, err
	}

	if len(parsedParts) < parts {
		rawParts, err := o.store.ListByPrefix(ctx, prefix, func(k string) bool {
			return !strings.HasSuffix(k, ".parsed.json") && !strings.HasSuffix(k, ".parsed.md")
		})
		if err != nil {
			return 0, err
		}
		if len(rawParts) == 0 {
			// Some parts failed terminally and their batches are gone; the
			// document can never complete.
			o.metrics.ParseErrors.Inc()
			if err := o.registry.SetProgress(ctx, parsingKey(key), 0, docID, statusError, "failed to parse document parts"); err != nil {
				return 0, err
			}
			return len(parsedParts), nil
		}
		return len(parsedParts), nil
	}

	partials := make([]*report.Report, parts)
	for i := 0; i < parts; i++ {
		text, err := o.store.GetText(ctx, parsedJSONKey(partKey(key, i)))
		if err != nil {
			return 0, err
		}
		var partial report.Report
		if err := json.Unmarshal([]byte(text), &partial); err != nil {
			return 0, fmt.Errorf("failed to decode partial report %d: %w", i, err)
		}
		partials[i] = &partial
	}

	merged := report.Merge(partials)
	if err := o.writeReports(ctx, key, merged); err != nil {
		return 0, err
	}
	if err := o.setParsing(ctx, key, 1.0, docID, ""); err != nil {
		return 0, err
	}
	for i := 0; i < parts; i++ {
		if err := o.store.Delete(ctx, parsedJSONKey(partKey(key, i))); err != nil {
			return 0, err
		}
	}
	if err := o.sendSplit(ctx, docID, key); err != nil {
		return 0, err
	}

	o.metrics.FanIns.Inc()
	o.log.Info().Str("documentId", docID).Int("parts", parts).Msg("document parts merged")
	return parts, nil
}

// handleSplit runs the chunking stage.
func (o *Orchestrator) handleSplit(ctx context.Context, cmd queue.Command, ack func() error) error {
	key := cmd.S3Key
	docID := cmd.DocumentID
	progressKey := chunkingKey(key)

	if value, exists, err := o.registry.Get(ctx, progressKey); err != nil {
		return err
	} else if exists {
		done, err := o.store.Exists(ctx, chunkedJSONKey(key))
		if err != nil {
			return err
		}
		if done {
			o.log.Info().Str("documentId", docID).Msg("document already chunked, skipping to index")
			if err := o.sendIndex(ctx, docID, key); err != nil {
				return err
			}
			return ack()
		}
		if value < 1 {
			o.log.Info().Str("documentId", docID).Float64("progress", value).Msg("chunking in progress, delaying")
			if err := o.queue.Send(ctx, queue.TargetProcessing, cmd, requeueDelay); err != nil {
				return err
			}
			return ack()
		}
	}

	if err := o.setChunking(ctx, key, 0.0, docID); err != nil {
		return err
	}

	text, err := o.store.GetText(ctx, parsedJSONKey(key))
	if err != nil {
		return err
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		return o.failChunking(ctx, key, docID, fmt.Errorf("failed to decode report: %w", err), ack)
	}

	if err := o.setChunking(ctx, key, 0.3, docID); err != nil {
		return err
	}
	prepared, err := o.chunker.Prepare(&rep)
	if err != nil {
		return o.failChunking(ctx, key, docID, err, ack)
	}

	if err := o.setChunking(ctx, key, 0.6, docID); err != nil {
		return err
	}
	chunked := o.chunker.Split(prepared)

	if err := o.setChunking(ctx, key, 0.8, docID); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(chunked, "", "  ")
	if err != nil {
		return o.failChunking(ctx, key, docID, err, ack)
	}
	if err := o.putIfAbsent(ctx, chunkedJSONKey(key), payload, "application/json"); err != nil {
		return err
	}

	if err := o.setChunking(ctx, key, 1.0, docID); err != nil {
		return err
	}
	if err := o.sendIndex(ctx, docID, key); err != nil {
		return err
	}

	o.metrics.DocumentsChunked.Inc()
	o.log.Info().Str("documentId", docID).Msg("document chunked")
	return ack()
}

// runParse writes the document bytes to a scratch file, dispatches it to the
// worker pool, and assembles the resulting intermediate document. tick, when
// non-nil, reports progress once the worker finishes.
func (o *Orchestrator) runParse(ctx context.Context, key string, data []byte, tick func(float64) error) (*report.Report, error) {
	name := fmt.Sprintf("docproc-%s%s", uuid.NewString(), filepath.Ext(key))
	inputPath := filepath.Join(o.tempDir, name)
	outputPath := inputPath + ".parsed.json"
	defer func() {
		_ = os.Remove(inputPath)
		_ = os.Remove(outputPath)
	}()

	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, err
	}

	start := time.Now()
	err := o.parser.Parse(ctx, inputPath, outputPath)
	o.metrics.ObserveParse(time.Since(start))
	if err != nil {
		return nil, err
	}
	if tick != nil {
		if err := tick(0.6); err != nil {
			return nil, err
		}
	}

	rawBytes, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read parser output: %v: %w", err, parserpool.ErrWorker)
	}
	var raw report.RawDocument
	if err := json.Unmarshal(rawBytes, &raw); err != nil {
		return nil, &parserpool.TaskError{Message: fmt.Sprintf("invalid parser output: %v", err)}
	}

	rep, err := report.Assemble(&raw)
	if err != nil {
		return nil, &parserpool.TaskError{Message: fmt.Sprintf("failed to assemble report: %v", err)}
	}
	return rep, nil
}

// writeReports persists the processed report and its markdown rendering.
// Both writes are skipped when the artifact already exists, which keeps
// duplicate deliveries write-free.
func (o *Orchestrator) writeReports(ctx context.Context, key string, rep *report.Report) error {
	payload, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return &parserpool.TaskError{Message: fmt.Sprintf("failed to encode report: %v", err)}
	}
	if err := o.putIfAbsent(ctx, parsedJSONKey(key), payload, "application/json"); err != nil {
		return err
	}

	markdown, err := textprep.Markdown(rep)
	if err != nil {
		return &parserpool.TaskError{Message: fmt.Sprintf("failed to render markdown: %v", err)}
	}
	return o.putIfAbsent(ctx, parsedMDKey(key), []byte(markdown), "text/markdown")
}

// putIfAbsent writes the object unless it already exists.
func (o *Orchestrator) putIfAbsent(ctx context.Context, key string, body []byte, contentType string) error {
	exists, err := o.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return o.store.Put(ctx, key, body, contentType)
}

// failDocument records the terminal parse failure and acks the message; the
// error is surfaced to operators on the status channel, not retried.
func (o *Orchestrator) failDocument(ctx context.Context, progressKey, docID string, cause error, ack func() error) error {
	o.log.Error().Err(cause).Str("documentId", docID).Msg("document failed to parse")
	o.metrics.ParseErrors.Inc()
	if err := o.registry.SetProgress(ctx, progressKey, 0, docID, statusError, cause.Error()); err != nil {
		return err
	}
	return ack()
}

// failChunking records a terminal chunking failure and acks the message.
func (o *Orchestrator) failChunking(ctx context.Context, key, docID string, cause error, ack func() error) error {
	o.log.Error().Err(cause).Str("documentId", docID).Msg("document failed to chunk")
	if err := o.registry.SetProgress(ctx, chunkingKey(key), 0, docID, statusError, cause.Error()); err != nil {
		return err
	}
	return ack()
}

func (o *Orchestrator) setParsing(ctx context.Context, key string, value float64, docID, info string) error {
	return o.registry.SetProgress(ctx, parsingKey(key), value, docID, statusParsing, info)
}

func (o *Orchestrator) setChunking(ctx context.Context, key string, value float64, docID string) error {
	return o.registry.SetProgress(ctx, chunkingKey(key), value, docID, statusChunking, "")
}

func (o *Orchestrator) sendSplit(ctx context.Context, docID, key string) error {
	return o.queue.Send(ctx, queue.TargetProcessing, queue.Command{
		Command:    queue.CmdSplitDocument,
		DocumentID: docID,
		S3Key:      key,
	}, 0)
}

func (o *Orchestrator) sendIndex(ctx context.Context, docID, key string) error {
	return o.queue.Send(ctx, queue.TargetIndexing, queue.Command{
		Command:    queue.CmdIndexDocument,
		DocumentID: docID,
		S3Key:      key,
	}, 0)
}

// terminalParseError reports whether the parse failure is a property of the
// document (or of a worker that already got recycled) rather than a
// transient infrastructure problem. Terminal failures are acked, not
// retried.
func terminalParseError(err error) bool {
	var taskErr *parserpool.TaskError
	return errors.As(err, &taskErr) || errors.Is(err, parserpool.ErrWorker)
}

// resolveMime picks the document MIME type: the command's value first, then
// the stored content type, then sniffing the bytes.
func resolveMime(cmdMime, contentType string, data []byte) string {
	if cmdMime != "" {
		return cmdMime
	}
	if contentType != "" && contentType != "application/octet-stream" && contentType != "binary/octet-stream" {
		return contentType
	}
	return mimetype.Detect(data).String()
}
