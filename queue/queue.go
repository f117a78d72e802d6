// Package queue adapts the two SQS queues used by the pipeline: the
// processing queue consumed by this worker and the indexing queue feeding the
// downstream indexer. Receives long-poll with a visibility timeout so that a
// crashed worker's messages are redelivered.
package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	json "github.com/goccy/go-json"
)

// Command type names carried in the message payload.
const (
	CmdParseDocument = "parse_document"
	CmdSplitDocument = "split_document"
	CmdIndexDocument = "index_document"
)

// Receive parameters. The visibility timeout bounds how long a message stays
// invisible while a poller processes it; exceeding it causes redelivery,
// which the idempotency protocol tolerates.
const (
	waitTimeSeconds   = 5
	visibilityTimeout = 120
)

// Command is the queue payload instructing one pipeline stage.
type Command struct {
	Command    string `json:"command"`
	DocumentID string `json:"documentId"`
	S3Key      string `json:"s3key"`
	Mime       string `json:"mime,omitempty"`

	// Fan-out fields, present only when PartsCount > 1.
	ParentS3Key string `json:"parentS3Key,omitempty"`
	Part        int    `json:"part,omitempty"`
	PartsCount  int    `json:"partsCount,omitempty"`
}

// IsPart reports whether the command addresses one batch of a partitioned
// document.
func (c Command) IsPart() bool {
	return c.PartsCount > 1
}

// Valid reports whether the required fields are present and the fan-out
// fields are consistent.
func (c Command) Valid() bool {
	if c.Command == "" || c.DocumentID == "" || c.S3Key == "" {
		return false
	}
	if c.PartsCount > 1 {
		if c.ParentS3Key == "" || c.Part < 0 || c.Part >= c.PartsCount {
			return false
		}
	}
	return true
}

// MarshalJSON omits the fan-out fields entirely for non-partitioned commands
// so that plain messages keep the three-field shape.
func (c Command) MarshalJSON() ([]byte, error) {
	type alias Command
	if c.PartsCount > 1 {
		return json.Marshal(struct {
			alias
			Part int `json:"part"`
		}{alias: alias(c), Part: c.Part})
	}
	plain := alias(c)
	plain.ParentS3Key = ""
	plain.Part = 0
	plain.PartsCount = 0
	return json.Marshal(plain)
}

// Target selects which queue a send goes to.
type Target int

const (
	// TargetProcessing is the queue this worker consumes.
	TargetProcessing Target = iota
	// TargetIndexing feeds the downstream indexing service.
	TargetIndexing
)

// Message is one received queue message. The receipt handle stays valid past
// the receive call so acknowledgement can be deferred.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// SQSClient defines the SQS operations required by the adapter.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

var _ SQSClient = (*sqs.Client)(nil)

// Adapter exposes receive/ack/send over the processing and indexing queues.
type Adapter struct {
	client        SQSClient
	processingURL string
	indexingURL   string
}

// NewAdapter creates an adapter bound to the two queue URLs.
func NewAdapter(client SQSClient, processingURL, indexingURL string) *Adapter {
	return &Adapter{client: client, processingURL: processingURL, indexingURL: indexingURL}
}

// Receive long-polls the processing queue for at most one message. A nil
// message means the poll timed out empty. More than one returned message is a
// logic error and fails fast.
func (a *Adapter) Receive(ctx context.Context) (*Message, error) {
	maxMessages := int32(1)
	resp, err := a.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &a.processingURL,
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitTimeSeconds,
		VisibilityTimeout:   visibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}

	switch len(resp.Messages) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("received %d messages for a single-message poll", len(resp.Messages))
	}

	raw := resp.Messages[0]
	msg := &Message{}
	if raw.MessageId != nil {
		msg.ID = *raw.MessageId
	}
	if raw.Body != nil {
		msg.Body = *raw.Body
	}
	if raw.ReceiptHandle != nil {
		msg.ReceiptHandle = *raw.ReceiptHandle
	}
	return msg, nil
}

// Ack deletes the message from the processing queue by receipt handle.
func (a *Adapter) Ack(ctx context.Context, msg *Message) error {
	_, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &a.processingURL,
		ReceiptHandle: &msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	return nil
}

// Send enqueues the command on the selected queue with an optional delivery
// delay in seconds.
func (a *Adapter) Send(ctx context.Context, target Target, cmd Command, delaySeconds int32) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	url := a.processingURL
	if target == TargetIndexing {
		url = a.indexingURL
	}

	bodyStr := string(body)
	_, err = a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &url,
		MessageBody:  &bodyStr,
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Command, err)
	}
	return nil
}
