package childproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/katechat/docproc/parserpool"
)

type stubEngine struct {
	warmupErr error
	parseErr  error
	parsed    []string
}

func (e *stubEngine) Parse(ctx context.Context, inputPath, outputPath string) error {
	if e.parseErr != nil {
		return e.parseErr
	}
	e.parsed = append(e.parsed, inputPath)
	return os.WriteFile(outputPath, []byte(`{}`), 0o600)
}

func (e *stubEngine) Warmup(ctx context.Context) error {
	return e.warmupErr
}

func frames(t *testing.T, out *bytes.Buffer) []parserpool.Response {
	t.Helper()
	var responses []parserpool.Response
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for scanner.Scan() {
		var resp parserpool.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func request(t *testing.T, req parserpool.Request) string {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(payload) + "\n"
}

func resultsOf(responses []parserpool.Response) []parserpool.Response {
	var results []parserpool.Response
	for _, resp := range responses {
		if resp.Type == parserpool.TypeResult {
			results = append(results, resp)
		}
	}
	return results
}

func TestServe_ReadyAfterWarmup(t *testing.T) {
	var out bytes.Buffer
	err := Serve(context.Background(), &stubEngine{}, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	var sawReady bool
	for _, resp := range frames(t, &out) {
		if resp.Type == parserpool.TypeReady {
			sawReady = true
		}
	}
	if !sawReady {
		t.Error("expected ready frame")
	}
}

func TestServe_WarmupFailureIsFatal(t *testing.T) {
	var out bytes.Buffer
	engine := &stubEngine{warmupErr: errors.New("model load failed")}
	if err := Serve(context.Background(), engine, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected error on warmup failure")
	}

	for _, resp := range frames(t, &out) {
		if resp.Type == parserpool.TypeReady {
			t.Error("must not report ready after failed warmup")
		}
	}
}

func TestServe_ParseSuccessResult(t *testing.T) {
	output := t.TempDir() + "/out.json"
	in := request(t, parserpool.Request{Cmd: parserpool.CmdParse, InputPath: "doc.pdf", OutputPath: output}) +
		request(t, parserpool.Request{Cmd: parserpool.CmdShutdown})

	var out bytes.Buffer
	engine := &stubEngine{}
	if err := Serve(context.Background(), engine, strings.NewReader(in), &out); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	results := resultsOf(frames(t, &out))
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
	if results[0].Status != parserpool.StatusSuccess || results[0].OutputPath != output {
		t.Errorf("unexpected result: %+v", results[0])
	}
	if len(engine.parsed) != 1 || engine.parsed[0] != "doc.pdf" {
		t.Errorf("unexpected parses: %v", engine.parsed)
	}
}

func TestServe_ParseErrorResult(t *testing.T) {
	in := request(t, parserpool.Request{Cmd: parserpool.CmdParse, InputPath: "doc.pdf", OutputPath: "out.json"})

	var out bytes.Buffer
	engine := &stubEngine{parseErr: errors.New("corrupt xref")}
	if err := Serve(context.Background(), engine, strings.NewReader(in), &out); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	results := resultsOf(frames(t, &out))
	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
	if results[0].Status != parserpool.StatusError || !strings.Contains(results[0].Error, "corrupt xref") {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestServe_MalformedAndUnknownCommandsIgnored(t *testing.T) {
	in := "not json\n" +
		request(t, parserpool.Request{Cmd: "reticulate"}) +
		request(t, parserpool.Request{Cmd: parserpool.CmdShutdown})

	var out bytes.Buffer
	if err := Serve(context.Background(), &stubEngine{}, strings.NewReader(in), &out); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	if results := resultsOf(frames(t, &out)); len(results) != 0 {
		t.Errorf("no results expected, got %v", results)
	}
}

func TestServe_EOFEndsLoop(t *testing.T) {
	var out bytes.Buffer
	r, w := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), &stubEngine{}, r, &out) }()
	_ = w.Close()
	if err := <-done; err != nil {
		t.Fatalf("serve should end cleanly on EOF: %v", err)
	}
}
