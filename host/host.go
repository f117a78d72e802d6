// Package host runs the worker's concurrency fabric: a fixed set of pollers
// that long-poll the processing queue and dispatch commands into the
// orchestrator, plus the HTTP listener for health and metrics.
package host

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/katechat/docproc/metrics"
	"github.com/katechat/docproc/queue"
)

// receiveRetryDelay spaces retries after a failed poll.
const receiveRetryDelay = 5 * time.Second

// Handler processes one decoded command. The ack callback removes the
// message from the queue.
type Handler interface {
	Handle(ctx context.Context, cmd queue.Command, ack func() error) error
}

// Receiver is the queue side the pollers consume from.
type Receiver interface {
	Receive(ctx context.Context) (*queue.Message, error)
	Ack(ctx context.Context, msg *queue.Message) error
}

// Host coordinates the poller goroutines.
type Host struct {
	receiver Receiver
	handler  Handler
	pollers  int
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New creates a host with the given poller count.
func New(receiver Receiver, handler Handler, pollers int, m *metrics.Metrics, log zerolog.Logger) *Host {
	if pollers < 1 {
		pollers = 1
	}
	return &Host{receiver: receiver, handler: handler, pollers: pollers, metrics: m, log: log}
}

// Run starts the pollers and blocks until the context is cancelled and every
// poller has drained.
func (h *Host) Run(ctx context.Context) error {
	h.log.Info().Int("pollers", h.pollers).Msg("worker host started")

	var wg sync.WaitGroup
	for i := 0; i < h.pollers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h.poll(ctx, id)
		}(i)
	}
	wg.Wait()

	h.log.Info().Msg("worker host stopped")
	return nil
}

// poll is one receive-dispatch loop. Each iteration fetches at most one
// message; a handler error leaves the message unacked so the queue
// redelivers it after the visibility timeout.
func (h *Host) poll(ctx context.Context, id int) {
	log := h.log.With().Int("poller", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := h.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			h.metrics.ReceiveErrors.Inc()
			log.Error().Err(err).Msg("failed to poll queue")
			select {
			case <-time.After(receiveRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		var cmd queue.Command
		if err := json.Unmarshal([]byte(msg.Body), &cmd); err != nil {
			// A body that is not JSON can never become valid; drop it.
			log.Error().Err(err).Str("messageId", msg.ID).Msg("dropping undecodable message")
			h.metrics.CommandsDropped.Inc()
			if err := h.receiver.Ack(ctx, msg); err != nil {
				log.Error().Err(err).Str("messageId", msg.ID).Msg("failed to ack poison message")
			}
			continue
		}

		ack := func() error {
			return h.receiver.Ack(ctx, msg)
		}
		if err := h.handler.Handle(ctx, cmd, ack); err != nil {
			log.Error().Err(err).Str("messageId", msg.ID).Msg("command failed; message will redeliver")
		}
	}
}
