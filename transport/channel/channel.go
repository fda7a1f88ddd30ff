// Package channel provides an in-process Go channel transport. Every Build in
// one process shares the same gochannel, so a responder and a correlator
// running side by side see the same topic.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/paybridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	sharedMu  sync.Mutex
	sharedPub message.Publisher
	sharedSub message.Subscriber
)

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns handles onto the process-wide channel. Closing them does not
// close the channel for other holders; use Reset for that.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		sharedPub, sharedSub = Factory(gochannel.Config{}, logger)
	}
	return transport.Transport{
		Publisher:  nopClosePublisher{sharedPub},
		Subscriber: nopCloseSubscriber{sharedSub},
	}, nil
}

// Reset closes the shared channel. The next Build starts a fresh one.
func Reset() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		return nil
	}
	err := sharedPub.Close()
	if sharedSub != nil && any(sharedSub) != any(sharedPub) {
		if subErr := sharedSub.Close(); err == nil {
			err = subErr
		}
	}
	sharedPub, sharedSub = nil, nil
	return err
}

type nopClosePublisher struct{ message.Publisher }

func (nopClosePublisher) Close() error { return nil }

type nopCloseSubscriber struct{ message.Subscriber }

func (nopCloseSubscriber) Close() error { return nil }
