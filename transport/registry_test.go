package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return testTransport(), nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.builders)
	assert.NotNil(t, reg.capabilities)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	reg.Register("test-transport", testBuilder)
	assert.True(t, reg.Has("test-transport"))
	assert.Contains(t, reg.Names(), "test-transport")
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	caps := Capabilities{
		Name:                   "test-transport",
		SupportsDelay:          true,
		SupportsConsumerGroups: true,
	}

	reg.RegisterWithCapabilities("test-transport", testBuilder, caps)

	assert.True(t, reg.Has("test-transport"))
	retrievedCaps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", retrievedCaps.Name)
	assert.True(t, retrievedCaps.SupportsDelay)
	assert.True(t, retrievedCaps.SupportsConsumerGroups)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsDelay)
	assert.False(t, caps.SupportsConsumerGroups)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", testBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{protocol: "test-transport"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-transport", tr.Name)
	assert.NotNil(t, tr.NewPublisher)
	assert.NotNil(t, tr.NewSubscriber)
}

func TestRegistry_Build_KeepsBuilderName(t *testing.T) {
	reg := NewRegistry()
	reg.Register("alias", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		tr := testTransport()
		tr.Name = "kafka"
		return tr, nil
	})

	tr, err := reg.Build(context.Background(), &mockConfig{protocol: "alias"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "kafka", tr.Name)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestRegistry_Build_UnknownTransport(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), &mockConfig{protocol: "unknown-transport"}, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()

	expectedErr := errors.New("builder error")
	reg.Register("failing-transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, expectedErr
	})

	_, err := reg.Build(context.Background(), &mockConfig{protocol: "failing-transport"}, nil)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()

	assert.Empty(t, reg.Names())

	reg.Register("transport3", testBuilder)
	reg.Register("transport1", testBuilder)
	reg.Register("transport2", testBuilder)

	assert.Equal(t, []string{"transport1", "transport2", "transport3"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("transport", testBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("transport"))
}

func TestBuildWithDefaultRegistry(t *testing.T) {
	_, err := Build(context.Background(), &mockConfig{protocol: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestPackageLevelRegisterWithCapabilities(t *testing.T) {
	caps := Capabilities{
		Name:          "test-pkg-caps-transport",
		SupportsDelay: true,
	}

	RegisterWithCapabilities("test-pkg-caps-transport", testBuilder, caps)
	Register("test-pkg-transport", testBuilder)

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, DefaultRegistry.Has("test-pkg-caps-transport"))
	assert.True(t, GetCapabilities("test-pkg-caps-transport").SupportsDelay)
}
