// Package notify publishes batch progress to an MQTT broker.
package notify

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

const (
	StatusStarted  = "started"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusFinished = "finished"

	DisconnectQuiescence = 100 // ms
)

type Event struct {
	RunID  string
	Case   string
	Status string
	Input  string
	Output string
	Error  string
	Time   time.Time
}

func (e Event) payload() ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"run_id": e.RunID,
		"case":   e.Case,
		"status": e.Status,
		"input":  e.Input,
		"output": e.Output,
		"error":  e.Error,
		"time":   e.Time.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
	Close()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close()                              {}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type MQTT struct {
	client publisher
	topic  string
	qos    byte
	close  func()
}

type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

func BuildConnectionOptions(o Options) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetOnConnectHandler(defaultConnectionHandler).
		SetConnectionLostHandler(defaultLostHandler).
		SetCleanSession(true).
		SetOrderMatters(false)
}

// Connect returns Nop if no broker is configured.
func Connect(ctx context.Context, o Options) (Notifier, error) {
	if o.Broker == "" {
		return Nop{}, nil
	}
	klog.Infof("Establishing broker connection to %s", o.Broker)
	client := mqtt.NewClient(BuildConnectionOptions(o))
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", o.Broker, token.Error())
	}
	return &MQTT{
		client: client,
		topic:  o.Topic,
		qos:    o.QoS,
		close:  func() { client.Disconnect(DisconnectQuiescence) },
	}, nil
}

// Notify publishes e on the configured topic and waits for the broker to
// confirm it.
func (m *MQTT) Notify(ctx context.Context, e Event) error {
	b, err := e.payload()
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, m.qos, false, b)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	klog.V(3).Infof("Published %s event for %s", e.Status, e.Case)
	return nil
}

func (m *MQTT) Close() {
	if m.close != nil {
		m.close()
	}
}

func defaultConnectionHandler(client mqtt.Client) {
	klog.Info("Broker connection correctly established")
}

func defaultLostHandler(client mqtt.Client, err error) {
	klog.Warningf("Connect lost: %v", err)
}
