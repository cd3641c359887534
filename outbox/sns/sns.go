// Package sns publishes outbox messages to AWS SNS topics.
//
// FIFO topics (ARN ending in ".fifo") get the aggregate stream as message
// group and the event ID as deduplication ID, so subscribers see each
// patient's events in order and a redelivered message only once.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/clinprecision/clinops-core"
)

// Client is the subset of the SNS API the publisher uses.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes outbox messages to SNS.
// Destination format: "sns:arn:aws:sns:region:account:topic".
type Publisher struct {
	client         Client
	messageGroupID string
}

var _ clinops.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithClient sets the SNS client.
func WithClient(client Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithMessageGroupID uses one fixed message group for FIFO topics instead of
// the per-aggregate default.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) {
		p.messageGroupID = groupID
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the prefix this publisher owns.
func (p *Publisher) Destination() string {
	return "sns"
}

// Publish sends every message; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*clinops.OutboxMessage) error {
	if p.client == nil {
		return errors.New("sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		input, err := p.input(msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.client.Publish(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("sns: failed to publish %s to %s: %w", msg.EventID, *input.TopicArn, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) input(msg *clinops.OutboxMessage) (*sns.PublishInput, error) {
	topicARN := extractTopicARN(msg.Destination)
	if topicARN == "" {
		return nil, fmt.Errorf("sns: invalid destination %q: missing topic ARN", msg.Destination)
	}

	input := &sns.PublishInput{
		TopicArn: stringPtr(topicARN),
		Message:  stringPtr(string(msg.Payload)),
	}
	for k, v := range msg.Headers {
		// SNS rejects empty attribute values
		if v == "" {
			continue
		}
		if input.MessageAttributes == nil {
			input.MessageAttributes = make(map[string]types.MessageAttributeValue)
		}
		input.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    stringPtr("String"),
			StringValue: stringPtr(v),
		}
	}

	if strings.HasSuffix(topicARN, ".fifo") {
		group := p.messageGroupID
		if group == "" {
			group = msg.Family + "-" + msg.AggregateID
		}
		input.MessageGroupId = stringPtr(group)
		if msg.EventID != "" {
			input.MessageDeduplicationId = stringPtr(msg.EventID)
		}
	}
	return input, nil
}

func extractTopicARN(destination string) string {
	const prefix = "sns:"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}

func stringPtr(s string) *string {
	return &s
}
