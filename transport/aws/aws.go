// Package aws carries toolbridge traffic over SNS topics fanned out to SQS
// queues. Each request or response topic maps to one SNS topic. Subscribers
// get one SQS queue per instance (Broadcast) or per consumer group (Shared).
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/toolbridge/transport"
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

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// session is everything both halves of the transport share once the SDK
// config has been loaded.
type session struct {
	aws       aws.Config
	accountID string
	region    string
	endpoint  *url.URL
	resolver  sns.TopicResolver
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	s, err := newSession(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("AWS transport configured", watermill.LogFields{
		"account_id": s.accountID,
		"region":     s.region,
		"endpoint":   s.endpoint != nil,
	})

	snsOpts, sqsOpts := s.endpointOptions()

	publisher, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: s.resolver,
		AWSConfig:     s.aws,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            s.aws,
			OptFns:               snsOpts,
			TopicResolver:        s.resolver,
			GenerateSqsQueueName: queueNamer(cfg),
		},
		sqs.SubscriberConfig{
			AWSConfig: s.aws,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func newSession(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*session, error) {
	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg != nil {
		if region := cfg.GetAWSRegion(); region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey()
		if accessKey != "" && secretKey != "" {
			logger.Debug("using static AWS credentials", nil)
			opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
		}
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("loading AWS config failed", err, nil)
		return nil, err
	}
	// The loader may ignore WithRegion when a profile pins one.
	if cfg != nil && cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}
	if endpoint == nil && awsCfg.BaseEndpoint != nil && *awsCfg.BaseEndpoint != "" {
		endpoint, err = url.Parse(*awsCfg.BaseEndpoint)
		if err != nil {
			return nil, fmt.Errorf("parse AWS base endpoint: %w", err)
		}
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("creating SNS topic resolver failed", err, watermill.LogFields{
			"account_id": accountID,
			"region":     region,
		})
		return nil, err
	}

	return &session{
		aws:       awsCfg,
		accountID: accountID,
		region:    region,
		endpoint:  endpoint,
		resolver:  resolver,
	}, nil
}

// endpointOptions points both SDK clients at a custom endpoint such as
// LocalStack. Without one the SDK defaults apply.
func (s *session) endpointOptions() ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if s.endpoint == nil {
		return nil, nil
	}
	target := smithyendpoints.Endpoint{URI: *s.endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: target}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: target}),
		}
}

// queueNamer names the SQS queue subscribed to a topic. Two gateway replicas
// must never share a response queue, while workers of one group must.
func queueNamer(cfg transport.Config) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, topicArn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		name := transport.SubscriptionName(cfg, string(topic))
		if len(name) > maxQueueNameLength {
			name = name[:maxQueueNameLength]
		}
		return name, nil
	}
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}

	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() == "" {
		return accountID, region
	}
	switch {
	case accountID == "":
		logger.Info("AWS account id empty; using LocalStack default", watermill.LogFields{"account_id": localstackAccountID})
		accountID = localstackAccountID
	case len(accountID) != awsAccountIDLength:
		logger.Info("AWS account id malformed; using LocalStack default", watermill.LogFields{"account_id": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}

	parsedURL, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("parse AWS endpoint: %w", err)
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
