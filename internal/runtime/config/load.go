package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	perrors "github.com/drblury/paybridge/internal/runtime/errors"
)

// EnvPrefix prefixes every environment variable read by Load, e.g.
// PAYBRIDGE_TOPIC or PAYBRIDGE_BACKEND_HOST.
const EnvPrefix = "PAYBRIDGE"

// SearchPaths lists the directories probed for arguments-<environment>.yaml.
var SearchPaths = []string{"/app/config", "config", "."}

// Load reads the configuration for environment. Environment variables take
// precedence over arguments-<environment>.yaml, which is optional when the
// environment supplies everything. The result is defaulted and validated.
func Load(environment string) (*Config, error) {
	return LoadWith(viper.New(), environment)
}

// LoadWith is Load on a caller-supplied viper instance.
func LoadWith(v *viper.Viper, environment string) (*Config, error) {
	if v == nil {
		return nil, perrors.ErrConfigRequired
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if environment != "" {
		v.SetConfigName("arguments-" + environment)
		v.SetConfigType("yaml")
		for _, path := range SearchPaths {
			v.AddConfigPath(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read arguments-%s.yaml: %w", environment, err)
			}
		}
	}

	cfg := &Config{
		PubSubSystem:         v.GetString("pubsub_system"),
		Topic:                v.GetString("topic"),
		SubscriberGroup:      v.GetString("subscriber_group"),
		SchemaFile:           v.GetString("schema_file"),
		ReplayPreset:         v.GetString("replay_preset"),
		ReplayID:             v.GetString("replay_id"),
		ResponderBatchSize:   v.GetInt("responder_batch_size"),
		CorrelatorBatchSize:  v.GetInt("correlator_batch_size"),
		KeepAliveInterval:    v.GetDuration("keep_alive_interval"),
		KafkaBrokers:         splitList(v.GetStringSlice("kafka_brokers")),
		RabbitMQURL:          v.GetString("rabbitmq_url"),
		NATSURL:              v.GetString("nats_url"),
		JetStreamStream:      v.GetString("jetstream_stream"),
		HTTPServerAddress:    v.GetString("http_server_address"),
		HTTPPublisherURL:     v.GetString("http_publisher_url"),
		AWSRegion:            v.GetString("aws_region"),
		AWSAccountID:         v.GetString("aws_account_id"),
		AWSAccessKeyID:       v.GetString("aws_access_key_id"),
		AWSSecretAccessKey:   v.GetString("aws_secret_access_key"),
		AWSEndpoint:          v.GetString("aws_endpoint"),
		BackendHost:          v.GetString("backend_host"),
		BackendPort:          v.GetInt("backend_port"),
		BackendPlaintext:     v.GetBool("backend_plaintext"),
		BackendCAFile:        v.GetString("backend_ca_file"),
		BackendCallTimeout:   v.GetDuration("backend_call_timeout"),
		ChannelShutdownGrace: v.GetDuration("channel_shutdown_grace"),
		RequireCredential:    v.GetBool("require_credential"),
		DefaultCredential:    v.GetString("default_credential"),
		SendTimeout:          v.GetDuration("send_timeout"),
		StreamInitialGrace:   v.GetDuration("stream_initial_grace"),
		SubscribeSettle:      v.GetDuration("subscribe_settle"),
		UserID:               v.GetString("user_id"),
		MaxInFlight:          v.GetInt("max_in_flight"),
		MetricsEnabled:       v.GetBool("metrics_enabled"),
		MetricsPort:          v.GetInt("metrics_port"),
		LogLevel:             v.GetString("log_level"),
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, perrors.NewConfigValidationError(err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("pubsub_system", d.PubSubSystem)
	v.SetDefault("topic", d.Topic)
	v.SetDefault("subscriber_group", d.SubscriberGroup)
	v.SetDefault("replay_preset", d.ReplayPreset)
	v.SetDefault("responder_batch_size", d.ResponderBatchSize)
	v.SetDefault("correlator_batch_size", d.CorrelatorBatchSize)
	v.SetDefault("keep_alive_interval", d.KeepAliveInterval)
	v.SetDefault("backend_port", d.BackendPort)
	v.SetDefault("backend_call_timeout", d.BackendCallTimeout)
	v.SetDefault("channel_shutdown_grace", d.ChannelShutdownGrace)
	v.SetDefault("require_credential", d.RequireCredential)
	v.SetDefault("send_timeout", d.SendTimeout)
	v.SetDefault("stream_initial_grace", d.StreamInitialGrace)
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("max_in_flight", d.MaxInFlight)
	v.SetDefault("metrics_port", d.MetricsPort)
	v.SetDefault("log_level", "info")
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
