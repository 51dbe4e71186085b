// Package nats provides a NATS Core transport for rpcflow.
//
// Core NATS is at-most-once: there is no broker-side acknowledgment or
// redelivery. The runtime's invocation timeouts cover lost messages. For
// at-least-once delivery use the nats-jetstream transport instead.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/rpcflow/rpcflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS Core transport. The client id becomes the NATS
// connection name and the queue group prefix, so replicas sharing a client
// id split request-topic load instead of each receiving every request.
// Response topics embed the client id, so queue grouping never withholds a
// reply from its invoker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	clientID := cfg.GetClientID()
	marshaler := &wmnats.NATSMarshaler{}

	connOpts := []natsgo.Option{}
	if clientID != "" {
		connOpts = append(connOpts, natsgo.Name(clientID))
	}

	// Plain core NATS subjects; the separate nats-jetstream transport covers
	// persistent streams.
	jsOff := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: connOpts,
			Marshaler:   marshaler,
			JetStream:   jsOff,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:              url,
			NatsOptions:      connOpts,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: clientID,
			JetStream:        jsOff,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
