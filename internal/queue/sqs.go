package queue

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// consecutiveFailureLimit triggers a client reset. SQS clients can wedge
// on stale connections after long idle periods on Windows hosts.
const consecutiveFailureLimit = 3

// SQSQueue is the production queue transport.
type SQSQueue struct {
	mu          sync.Mutex
	client      *sqs.Client
	awsCfg      aws.Config
	requestURL  string
	responseURL string
	waitTime    int32
	visibility  int32
	failures    int
	closed      bool
}

// NewSQS builds the SQS transport from config. The region is taken from
// AWS_REGION when set, otherwise derived from the queue URL host
// (sqs.<region>.amazonaws.com).
func NewSQS(ctx context.Context, cfg *config.Config) (*SQSQueue, error) {
	region := cfg.AWSRegion
	if region == "" {
		var err error
		region, err = RegionFromQueueURL(cfg.QueueRequestURL)
		if err != nil {
			return nil, err
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	q := &SQSQueue{
		client:      sqs.NewFromConfig(awsCfg),
		awsCfg:      awsCfg,
		requestURL:  cfg.QueueRequestURL,
		responseURL: cfg.QueueResponseURL,
		waitTime:    int32(cfg.QueueWaitTimeSec),
		visibility:  int32(cfg.QueueVisibility / time.Second),
	}
	log.Info().
		Str("region", region).
		Str("request_queue", cfg.QueueRequestURL).
		Bool("response_queue", cfg.QueueResponseURL != "").
		Msg("SQS queue client ready")
	return q, nil
}

// RegionFromQueueURL extracts the region segment from a standard SQS
// queue URL (https://sqs.<region>.amazonaws.com/<account>/<name>).
func RegionFromQueueURL(queueURL string) (string, error) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return "", fmt.Errorf("parse queue URL: %w", err)
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) < 3 || parts[0] != "sqs" {
		return "", fmt.Errorf("cannot derive region from queue URL host %q (set AWS_REGION)", u.Hostname())
	}
	return parts[1], nil
}

// Receive long-polls the request queue for up to max messages.
func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	client, err := q.clientHandle()
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, nil
	}
	if max > 10 {
		max = 10
	}

	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.requestURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     q.waitTime,
		VisibilityTimeout:   q.visibility,
	})
	metrics.RecordQueueOperation("receive", err)
	if err != nil {
		q.recordFailure(err)
		return nil, fmt.Errorf("receive messages: %w", err)
	}
	q.recordSuccess()

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
		})
	}
	return msgs, nil
}

// Delete removes a message permanently.
func (q *SQSQueue) Delete(ctx context.Context, msg Message) error {
	client, err := q.clientHandle()
	if err != nil {
		return err
	}
	_, err = client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.requestURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	metrics.RecordQueueOperation("delete", err)
	if err != nil {
		q.recordFailure(err)
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	q.recordSuccess()
	return nil
}

// ChangeVisibility resets a message's visibility timeout.
func (q *SQSQueue) ChangeVisibility(ctx context.Context, msg Message, d time.Duration) error {
	client, err := q.clientHandle()
	if err != nil {
		return err
	}
	_, err = client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.requestURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	metrics.RecordQueueOperation("change_visibility", err)
	if err != nil {
		q.recordFailure(err)
		return fmt.Errorf("change visibility for %s: %w", msg.ID, err)
	}
	q.recordSuccess()
	return nil
}

// SendResponse publishes to the response queue when one is configured.
func (q *SQSQueue) SendResponse(ctx context.Context, body []byte) error {
	if q.responseURL == "" {
		return nil
	}
	client, err := q.clientHandle()
	if err != nil {
		return err
	}
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.responseURL),
		MessageBody: aws.String(string(body)),
	})
	metrics.RecordQueueOperation("send_response", err)
	if err != nil {
		q.recordFailure(err)
		return fmt.Errorf("send response: %w", err)
	}
	q.recordSuccess()
	return nil
}

// Close marks the transport closed. The SDK client holds no resources
// needing explicit teardown.
func (q *SQSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *SQSQueue) clientHandle() (*sqs.Client, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, types.ErrQueueClosed
	}
	return q.client, nil
}

func (q *SQSQueue) recordSuccess() {
	q.mu.Lock()
	q.failures = 0
	q.mu.Unlock()
}

// recordFailure counts consecutive failures and rebuilds the client
// once the limit is hit.
func (q *SQSQueue) recordFailure(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.failures++
	if q.failures < consecutiveFailureLimit {
		return
	}
	log.Warn().
		Err(err).
		Int("consecutive_failures", q.failures).
		Msg("Resetting SQS client after repeated failures")
	q.client = sqs.NewFromConfig(q.awsCfg)
	q.failures = 0
	metrics.QueueClientResets.Inc()
}
