package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type pendingToken struct{ doneToken }

func (t *pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

type recorder struct {
	topic    string
	qos      byte
	payloads [][]byte
	token    mqtt.Token
}

func (r *recorder) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	r.topic, r.qos = topic, qos
	r.payloads = append(r.payloads, payload.([]byte))
	return r.token
}

func TestMQTTNotify(t *testing.T) {
	rec := &recorder{token: &doneToken{}}
	m := &MQTT{client: rec, topic: "mrtp-plots/progress", qos: 1}
	e := Event{
		RunID:  "run",
		Case:   "static_gcc",
		Status: StatusDone,
		Input:  "in/static_gcc",
		Output: "out/in/static_gcc",
		Time:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := m.Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if rec.topic != "mrtp-plots/progress" || rec.qos != 1 || len(rec.payloads) != 1 {
		t.Fatalf("published to %q qos %d, %d payloads", rec.topic, rec.qos, len(rec.payloads))
	}
	var got map[string]string
	if err := json.Unmarshal(rec.payloads[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	want := map[string]string{
		"run_id": "run",
		"case":   "static_gcc",
		"status": "done",
		"input":  "in/static_gcc",
		"output": "out/in/static_gcc",
		"error":  "",
		"time":   "2024-03-01T09:00:00Z",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestMQTTNotifyErrors(t *testing.T) {
	failure := errors.New("not connected")
	m := &MQTT{client: &recorder{token: &doneToken{err: failure}}, topic: "t"}
	if err := m.Notify(context.Background(), Event{}); !errors.Is(err, failure) {
		t.Errorf("Notify() error = %v, want %v", err, failure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m = &MQTT{client: &recorder{token: &pendingToken{}}, topic: "t"}
	if err := m.Notify(ctx, Event{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Notify() error = %v, want context.Canceled", err)
	}
}

func TestConnectWithoutBroker(t *testing.T) {
	n, err := Connect(context.Background(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(Nop); !ok {
		t.Errorf("Connect() = %T, want Nop", n)
	}
	if err := n.Notify(context.Background(), Event{}); err != nil {
		t.Error(err)
	}
	n.Close()
}
