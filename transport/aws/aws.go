// Package aws provides an AWS transport for courier. Queue addresses map
// onto SQS queues, topic addresses onto SNS topics with one SQS queue
// subscribed per consumer group.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
	maxQueueNameLength  = 80
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// TopicPublisherFactory allows overriding the SNS publisher creation for testing.
var TopicPublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// TopicSubscriberFactory allows overriding the SNS subscriber creation for testing.
var TopicSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// QueuePublisherFactory allows overriding the SQS publisher creation for testing.
var QueuePublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// QueueSubscriberFactory allows overriding the SQS subscriber creation for testing.
var QueueSubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

// ListerFactory allows overriding the API clients used for topic listing.
var ListerFactory = func(cfg aws.Config, snsOpts []func(*amazonsns.Options), sqsOpts []func(*amazonsqs.Options)) (amazonsns.ListTopicsAPIClient, amazonsqs.ListQueuesAPIClient) {
	return amazonsns.NewFromConfig(cfg, snsOpts...), amazonsqs.NewFromConfig(cfg, sqsOpts...)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	snsOpts, sqsOpts, err := endpointOptions(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": len(snsOpts) > 0,
	})

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			var (
				pub message.Publisher
				err error
			)
			if role == transport.RoleTopic {
				pub, err = TopicPublisherFactory(sns.PublisherConfig{
					AWSConfig:     *awsCfg,
					OptFns:        snsOpts,
					TopicResolver: topicResolver,
					Marshaler:     sns.DefaultMarshalerUnmarshaler{},
				}, logger)
			} else {
				pub, err = QueuePublisherFactory(sqs.PublisherConfig{
					AWSConfig: *awsCfg,
					OptFns:    sqsOpts,
				}, logger)
			}
			if err != nil {
				return nil, fmt.Errorf("aws: create %s publisher: %w", role, err)
			}
			return transport.ClassifyPublisher(transport.MapPublisher(pub, ResourceName), IsTopicNotReady), nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			sqsCfg := sqs.SubscriberConfig{
				AWSConfig: *awsCfg,
				OptFns:    sqsOpts,
			}
			var (
				sub message.Subscriber
				err error
			)
			if opts.Role == transport.RoleTopic {
				sub, err = TopicSubscriberFactory(sns.SubscriberConfig{
					AWSConfig:            *awsCfg,
					OptFns:               snsOpts,
					TopicResolver:        topicResolver,
					GenerateSqsQueueName: GroupQueueNameGenerator(opts.GroupID),
				}, sqsCfg, logger)
			} else {
				sub, err = QueueSubscriberFactory(sqsCfg, logger)
			}
			if err != nil {
				return nil, fmt.Errorf("aws: create %s subscriber: %w", opts.Role, err)
			}
			return transport.ClassifySubscriber(transport.MapSubscriber(sub, ResourceName), IsTopicNotReady), nil
		},
		Topics: func(ctx context.Context) ([]string, error) {
			topics, queues := ListerFactory(*awsCfg, snsOpts, sqsOpts)
			return listResources(ctx, topics, queues)
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// ResourceName maps a courier address onto an SNS topic or SQS queue name.
func ResourceName(address string) string {
	return transport.SanitizeName(address, transport.IsIdentifierRune, '-')
}

// GroupQueueNameGenerator names the SQS queue subscribed to an SNS topic
// for one consumer group. Ephemeral groups leave their queue behind when
// the client goes away.
func GroupQueueNameGenerator(group string) func(context.Context, sns.TopicArn) (string, error) {
	suffix := transport.SanitizeName(group, transport.IsIdentifierRune, '-')
	return func(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
		if err != nil {
			return "", err
		}
		name := string(topic) + "-" + suffix
		if len(name) > maxQueueNameLength {
			name = name[:maxQueueNameLength]
		}
		return name, nil
	}
}

// IsTopicNotReady reports whether err signals a missing queue or topic.
func IsTopicNotReady(err error) bool {
	var queueMissing *sqstypes.QueueDoesNotExist
	if errors.As(err, &queueMissing) {
		return true
	}
	var topicMissing *snstypes.NotFoundException
	if errors.As(err, &topicMissing) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist", "NotFound":
			return true
		}
	}
	return false
}

func listResources(ctx context.Context, topics amazonsns.ListTopicsAPIClient, queues amazonsqs.ListQueuesAPIClient) ([]string, error) {
	var names []string

	topicPages := amazonsns.NewListTopicsPaginator(topics, &amazonsns.ListTopicsInput{})
	for topicPages.HasMorePages() {
		page, err := topicPages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws: list topics: %w", err)
		}
		for _, topic := range page.Topics {
			arn := aws.ToString(topic.TopicArn)
			names = append(names, arn[strings.LastIndex(arn, ":")+1:])
		}
	}

	queuePages := amazonsqs.NewListQueuesPaginator(queues, &amazonsqs.ListQueuesInput{})
	for queuePages.HasMorePages() {
		page, err := queuePages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws: list queues: %w", err)
		}
		for _, queueURL := range page.QueueUrls {
			names = append(names, queueURL[strings.LastIndex(queueURL, "/")+1:])
		}
	}

	sort.Strings(names)
	return names, nil
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
	if accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	// Ensure region is set even if the loader ignores options
	if region != "" {
		awsCfg.Region = region
	}
	return &awsCfg, nil
}

func endpointOptions(cfg transport.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	endpoint, err := awsEndpointURL(cfg)
	if err != nil || endpoint == nil {
		return nil, nil, err
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		logger.Info("AWS account ID unusable with custom endpoint; using LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, fmt.Errorf("aws: topic resolver: %w", err)
	}
	return topicResolver, nil
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("aws: parse endpoint: %w", err)
	}
	return parsedURL, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
