package courier

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/courier/transport/channel"
)

func TestBundledTransportsRegistered(t *testing.T) {
	for _, name := range []string{"aws", "channel", "kafka", "kafka-go", "nats", "nats-jetstream", "rabbitmq"} {
		if !DefaultTransportRegistry.Has(name) {
			t.Fatalf("expected transport %q to be registered, got %v", name, DefaultTransportRegistry.Names())
		}
	}
}

func TestOpenByProtocol(t *testing.T) {
	client, err := Open(context.Background(), &Config{Protocol: "channel"}, nil, ClientDependencies{})
	if err != nil {
		t.Fatalf("unexpected error opening client: %v", err)
	}
	if client.Protocol() != "channel" {
		t.Fatalf("expected channel protocol, got %q", client.Protocol())
	}
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestWithClientClosesClient(t *testing.T) {
	tr := channel.New(gochannel.Config{}, nil)
	var opened *Client
	err := WithClient(context.Background(), &Config{Protocol: "channel"}, nil, ClientDependencies{Transport: &tr}, func(c *Client) error {
		opened = c
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := opened.PublishMessage(context.Background(), PublishRequest{Service: "orders", Message: "create"}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected closed client error, got %v", err)
	}
}

func TestValidationExports(t *testing.T) {
	client, err := Open(context.Background(), &Config{Protocol: "channel"}, nil, ClientDependencies{})
	if err != nil {
		t.Fatalf("unexpected error opening client: %v", err)
	}
	defer client.Close()

	err = client.PublishMessage(context.Background(), PublishRequest{})
	if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var validation *RequestValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected *RequestValidationError, got %T", err)
	}
}

func TestAddressExports(t *testing.T) {
	if got := QueueAddress("orders", ""); got != "queue/orders.none" {
		t.Fatalf("unexpected queue address %q", got)
	}
	if got := TopicAddress("alerts"); got != "topic/alerts" {
		t.Fatalf("unexpected topic address %q", got)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
	logger.Warn("careful", nil)
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Warn(args ...any)  {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
