// Package sqs publishes capture events to an Amazon SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

type sqsClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends events to a single queue.
type Publisher struct {
	client   sqsClient
	queueURL string
}

// New loads the default AWS config for region and returns a Publisher.
func New(ctx context.Context, region, queueURL string) (*Publisher, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	opts := []func(*awscfg.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awscfg.WithRegion(region))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Publisher{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

// Publish sends the event as a JSON message body.
func (p *Publisher) Publish(ctx context.Context, event crawler.PostsCaptured) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"topic_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.TopicID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send sqs message: %w", err)
	}
	return nil
}
