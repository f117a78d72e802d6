// Package childproc implements the worker-child side of the parser pool
// protocol: it hosts a parse engine, reports readiness after warmup, and
// answers parse requests over stdin/stdout frames.
package childproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/katechat/docproc/internal/minpdf"
)

// Engine turns a document file into the intermediate JSON document at
// outputPath.
type Engine interface {
	Parse(ctx context.Context, inputPath, outputPath string) error
	// Warmup loads models and caches so later parses are fast. Called once
	// before the child reports ready.
	Warmup(ctx context.Context) error
}

// ExecEngine runs an external parse tool for each document. The tool is
// invoked as `argv... inputPath outputPath` and must write the intermediate
// JSON to outputPath before exiting zero.
type ExecEngine struct {
	argv []string
}

var _ Engine = (*ExecEngine)(nil)

// NewExecEngine creates an engine around the given tool argv.
func NewExecEngine(argv []string) *ExecEngine {
	return &ExecEngine{argv: argv}
}

// Parse invokes the external tool.
func (e *ExecEngine) Parse(ctx context.Context, inputPath, outputPath string) error {
	if len(e.argv) == 0 {
		return fmt.Errorf("parser command is empty")
	}

	args := append(append([]string(nil), e.argv[1:]...), inputPath, outputPath)
	cmd := exec.CommandContext(ctx, e.argv[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail != "" {
			return fmt.Errorf("parser tool failed: %s: %w", detail, err)
		}
		return fmt.Errorf("parser tool failed: %w", err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("parser tool produced no output: %w", err)
	}
	return nil
}

// Warmup parses a built-in single-page PDF so the tool loads its models
// before the first real document arrives.
func (e *ExecEngine) Warmup(ctx context.Context) error {
	dir := os.TempDir()
	inputPath := filepath.Join(dir, fmt.Sprintf("docproc-warmup-%s.pdf", uuid.NewString()))
	outputPath := inputPath + ".json"
	defer func() {
		_ = os.Remove(inputPath)
		_ = os.Remove(outputPath)
	}()

	if err := os.WriteFile(inputPath, minpdf.New(1), 0o600); err != nil {
		return fmt.Errorf("failed to write warmup document: %w", err)
	}
	if err := e.Parse(ctx, inputPath, outputPath); err != nil {
		return fmt.Errorf("warmup parse failed: %w", err)
	}
	return nil
}
