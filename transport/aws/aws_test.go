package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/paybridge/transport"
	"github.com/drblury/paybridge/transport/transporttest"
)

type captured struct {
	pub sns.PublisherConfig
	sub sns.SubscriberConfig
	sqs sqs.SubscriberConfig
}

func stubFactories(t *testing.T) (*captured, *transporttest.Publisher) {
	t.Helper()
	origLoader, origResolver, origPub, origSub := DefaultConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = origLoader
		TopicResolverFactory = origResolver
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})

	got := &captured{}
	pub := &transporttest.Publisher{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "eu-west-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (sns.TopicResolver, error) {
		return sns.NewGenerateArnTopicResolver(accountID, region)
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		got.pub = cfg
		return pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		got.sub = cfg
		got.sqs = sqsCfg
		return &transporttest.Subscriber{}, nil
	}
	return got, pub
}

func TestRegister(t *testing.T) {
	prev := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = prev })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsConsumerGroups)
}

func TestBuild(t *testing.T) {
	got, pub := stubFactories(t)

	cfg := &transporttest.Config{
		AWSRegion:       "us-east-1",
		AWSAccountID:    "123456789012",
		SubscriberGroup: "responders",
	}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Equal(t, "us-east-1", got.pub.AWSConfig.Region)
	assert.Empty(t, got.pub.OptFns)

	arn, err := got.pub.TopicResolver.ResolveTopic(context.Background(), "/event/KodyPayment__e")
	require.NoError(t, err)
	assert.Equal(t, sns.TopicArn("arn:aws:sns:us-east-1:123456789012:event-KodyPayment__e"), arn)

	queue, err := got.sub.GenerateSqsQueueName(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "event-KodyPayment__e-responders", queue)
}

func TestBuildWithEndpointUsesLocalstackAccount(t *testing.T) {
	got, _ := stubFactories(t)

	cfg := &transporttest.Config{AWSRegion: "us-east-1", AWSEndpoint: "http://localhost:4566"}
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)

	assert.Len(t, got.pub.OptFns, 1)
	assert.Len(t, got.sqs.OptFns, 1)
	arn, err := got.sub.TopicResolver.ResolveTopic(context.Background(), "payments")
	require.NoError(t, err)
	assert.Contains(t, string(arn), localstackAccountID)
}

func TestBuildErrors(t *testing.T) {
	t.Run("config loader", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("invalid endpoint", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSEndpoint: "://bad"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "failed to parse AWS endpoint")
	})

	t.Run("publisher", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		_, pub := stubFactories(t)
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &transporttest.Config{AWSRegion: "us-east-1", AWSAccountID: "123456789012"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "event-KodyPayment__e", SanitizeName("/event/KodyPayment__e", 0))
	assert.Equal(t, "a-b-c", SanitizeName("a.b c", 0))
	assert.Equal(t, "abc", SanitizeName("abcdef", 3))
}

func TestResolveAccountAndRegion(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *transporttest.Config
		wantAccount string
		wantRegion  string
	}{
		{"config values", &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}, "123456789012", "us-west-2"},
		{"fallback region", &transporttest.Config{AWSAccountID: "123456789012"}, "123456789012", "us-east-1"},
		{"quoted account", &transporttest.Config{AWSAccountID: `"123456789012"`}, "123456789012", "us-east-1"},
		{"localstack empty account", &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, localstackAccountID, "us-east-1"},
		{"localstack bad account", &transporttest.Config{AWSEndpoint: "http://localhost:4566", AWSAccountID: "42"}, localstackAccountID, "us-east-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, region := resolveAccountAndRegion(tt.cfg, watermill.NopLogger{}, "us-east-1")
			assert.Equal(t, tt.wantAccount, account)
			assert.Equal(t, tt.wantRegion, region)
		})
	}

	account, region := resolveAccountAndRegion(nil, watermill.NopLogger{}, "us-east-1")
	assert.Empty(t, account)
	assert.Equal(t, "us-east-1", region)
}
