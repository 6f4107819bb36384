package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// pendingConfirmation is the SubscriptionArn SNS reports for unconfirmed subscriptions.
const pendingConfirmation = "PendingConfirmation"

// maxSubjectLen is the SNS limit for email subjects.
const maxSubjectLen = 100

// SNS implements TopicService on Amazon SNS.
type SNS struct {
	client *sns.Client
}

// NewSNS creates an SNS-backed topic service. endpoint overrides the AWS
// endpoint, e.g. for LocalStack; leave it empty in production.
func NewSNS(ctx context.Context, region, endpoint string) (*SNS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &SNS{client: client}, nil
}

func (s *SNS) CreateTopic(ctx context.Context, name string) (arn string, err error) {
	defer func(start time.Time) { observe("create_topic", start, err) }(time.Now())

	out, err := s.client.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("create topic %s: %w", name, err)
	}
	return aws.ToString(out.TopicArn), nil
}

func (s *SNS) DeleteTopic(ctx context.Context, topicID string) (err error) {
	defer func(start time.Time) { observe("delete_topic", start, err) }(time.Now())

	_, err = s.client.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: aws.String(topicID)})
	var nf *types.NotFoundException
	if errors.As(err, &nf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete topic %s: %w", topicID, err)
	}
	return nil
}

func (s *SNS) SubscribeEmail(ctx context.Context, topicID, email string) (err error) {
	defer func(start time.Time) { observe("subscribe", start, err) }(time.Now())

	_, err = s.client.Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicID),
		Protocol: aws.String(ProtocolEmail),
		Endpoint: aws.String(email),
	})
	return mapNotFound(err)
}

func (s *SNS) ListSubscribers(ctx context.Context, topicID string) (subs []Subscriber, err error) {
	defer func(start time.Time) { observe("list_subscriptions", start, err) }(time.Now())

	pager := sns.NewListSubscriptionsByTopicPaginator(s.client, &sns.ListSubscriptionsByTopicInput{
		TopicArn: aws.String(topicID),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapNotFound(err)
		}
		for _, sub := range page.Subscriptions {
			arn := aws.ToString(sub.SubscriptionArn)
			entry := Subscriber{
				Protocol: aws.ToString(sub.Protocol),
				Endpoint: aws.ToString(sub.Endpoint),
			}
			if arn == pendingConfirmation {
				entry.Pending = true
			} else {
				entry.SubscriptionID = arn
			}
			subs = append(subs, entry)
		}
	}
	return subs, nil
}

func (s *SNS) Unsubscribe(ctx context.Context, subscriptionID string) (err error) {
	defer func(start time.Time) { observe("unsubscribe", start, err) }(time.Now())

	_, err = s.client.Unsubscribe(ctx, &sns.UnsubscribeInput{SubscriptionArn: aws.String(subscriptionID)})
	return mapNotFound(err)
}

func (s *SNS) Publish(ctx context.Context, topicID, subject, body string) (err error) {
	defer func(start time.Time) { observe("publish", start, err) }(time.Now())

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicID),
		Subject:  aws.String(truncateSubject(subject)),
		Message:  aws.String(body),
	})
	return mapNotFound(err)
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	var nf *types.NotFoundException
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", ErrTopicNotFound, err)
	}
	return err
}

// truncateSubject cuts s to the SNS subject limit without splitting a rune.
func truncateSubject(s string) string {
	if len(s) <= maxSubjectLen {
		return s
	}
	cut := maxSubjectLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
