package pubsub

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// defaultQoS is "at least once", matching command/response traffic that
// must survive a brief broker hiccup without silent loss.
const defaultQoS = 1

// MQTTBroker adapts github.com/eclipse/paho.mqtt.golang into the Broker
// interface the state machine drives. Connection lifecycle and inbound
// messages are handed to the transport through deliver, the same
// callback-to-channel bridge ble_peripheral.go uses for the GATT driver.
type MQTTBroker struct {
	client  mqtt.Client
	deliver func(Event)
}

// NewMQTTBroker builds a paho client targeting brokerURL (e.g.
// "tcp://localhost:1883") and wires its connect/disconnect callbacks to
// deliver (typically Transport.Deliver). Message delivery for a given topic
// is wired lazily by Subscribe, since paho routes messages per-subscription
// rather than through one global handler.
func NewMQTTBroker(brokerURL, clientID string, connectTimeout time.Duration, deliver func(Event)) *MQTTBroker {
	b := &MQTTBroker{deliver: deliver}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false) // the transport owns reconnect/backoff (§4.4)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.deliver(Event{Kind: EventConnected})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.deliver(Event{Kind: EventDisconnected, Err: err})
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect implements Broker.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	token := b.client.Connect()
	return waitToken(ctx, token)
}

// Disconnect implements Broker.
func (b *MQTTBroker) Disconnect() {
	b.client.Disconnect(250)
}

// Subscribe implements Broker, routing every message on topic back through
// deliver as an EventMessage.
func (b *MQTTBroker) Subscribe(topic string) error {
	token := b.client.Subscribe(topic, defaultQoS, func(_ mqtt.Client, msg mqtt.Message) {
		b.deliver(Event{Kind: EventMessage, Topic: msg.Topic(), Payload: msg.Payload()})
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe implements Broker.
func (b *MQTTBroker) Unsubscribe(topic string) error {
	token := b.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

// Publish implements Broker.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, defaultQoS, false, payload)
	return waitToken(ctx, token)
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("pubsub: mqtt operation cancelled: %w", ctx.Err())
	}
}
