package childproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/katechat/docproc/parserpool"
)

// sender serializes outgoing frames; parse results and log lines may be
// emitted concurrently.
type sender struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sender) send(resp parserpool.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(payload)
	return err
}

func (s *sender) log(level, message string) {
	_ = s.send(parserpool.Response{Type: parserpool.TypeLog, Level: level, Message: message})
}

// Serve runs the worker-child loop: warm the engine, report ready, then
// answer parse requests until a shutdown command or stdin EOF. Malformed and
// unknown commands are logged and ignored.
func Serve(ctx context.Context, engine Engine, in io.Reader, out io.Writer) error {
	s := &sender{out: out}

	s.log("info", "worker process bootstrapping")
	if err := engine.Warmup(ctx); err != nil {
		_ = s.send(parserpool.Response{
			Type:   parserpool.TypeResult,
			Status: parserpool.StatusError,
			Error:  fmt.Sprintf("fatal worker error: %v", err),
		})
		return fmt.Errorf("engine warmup failed: %w", err)
	}

	if err := s.send(parserpool.Response{Type: parserpool.TypeReady}); err != nil {
		return fmt.Errorf("failed to report ready: %w", err)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req parserpool.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log("warn", fmt.Sprintf("ignoring malformed command: %v", err))
			continue
		}

		switch req.Cmd {
		case parserpool.CmdShutdown:
			s.log("info", "shutdown command received")
			return nil

		case parserpool.CmdParse:
			s.log("info", fmt.Sprintf("parsing %s", req.InputPath))
			if err := engine.Parse(ctx, req.InputPath, req.OutputPath); err != nil {
				_ = s.send(parserpool.Response{
					Type:   parserpool.TypeResult,
					Status: parserpool.StatusError,
					Error:  err.Error(),
				})
				continue
			}
			_ = s.send(parserpool.Response{
				Type:       parserpool.TypeResult,
				Status:     parserpool.StatusSuccess,
				OutputPath: req.OutputPath,
			})

		default:
			s.log("error", fmt.Sprintf("unsupported command: %s", req.Cmd))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("worker input closed: %w", err)
	}
	return nil
}
