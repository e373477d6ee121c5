package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxReceives is how many times the main queue redelivers a message before
// the transport moves it to the dead-letter queue.
const maxReceives = 3

// QueueAdmin is the slice of the SQS API needed to bootstrap the queues.
type QueueAdmin interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Ensure creates the main FIFO queue and its dead-letter queue when they do
// not exist yet, wiring the redrive policy between them. Meant for local
// stacks; production queues are provisioned out of band.
func Ensure(ctx context.Context, client QueueAdmin, mainName, dlqName string) error {
	dlqARN, err := ensureQueue(ctx, client, dlqName, nil)
	if err != nil {
		return err
	}

	redrive, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": dlqARN,
		"maxReceiveCount":     fmt.Sprintf("%d", maxReceives),
	})
	if err != nil {
		return fmt.Errorf("marshal redrive policy: %w", err)
	}

	extra := map[string]string{string(types.QueueAttributeNameRedrivePolicy): string(redrive)}
	if _, err := ensureQueue(ctx, client, mainName, extra); err != nil {
		return err
	}
	return nil
}

func ensureQueue(ctx context.Context, client QueueAdmin, name string, extraAttrs map[string]string) (arn string, err error) {
	attrs := map[string]string{
		string(types.QueueAttributeNameFifoQueue):                 "true",
		string(types.QueueAttributeNameContentBasedDeduplication): "true",
	}
	for k, v := range extraAttrs {
		attrs[k] = v
	}

	out, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})

	var url string
	switch {
	case err == nil:
		url = aws.ToString(out.QueueUrl)
	case isQueueExists(err):
		got, uErr := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
		if uErr != nil {
			return "", fmt.Errorf("resolve existing queue %s: %w", name, uErr)
		}
		url = aws.ToString(got.QueueUrl)
	default:
		return "", fmt.Errorf("create queue %s: %w", name, err)
	}

	attrsOut, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("queue arn %s: %w", name, err)
	}
	return attrsOut.Attributes[string(types.QueueAttributeNameQueueArn)], nil
}

func isQueueExists(err error) bool {
	var exists *types.QueueNameExists
	return errors.As(err, &exists)
}
