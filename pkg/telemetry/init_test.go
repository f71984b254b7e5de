package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-contactsync/pkg/config"
	"go.opentelemetry.io/otel"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		Enabled:     true,
		ServiceName: "test-service",
		TracingURL:  "localhost:4318",
	}

	shutdown, err := Init(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
	assert.NotNil(t, otel.GetTracerProvider())

	shutdown()
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(config.Observability{ServiceName: "test-service"}, nil)
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
	assert.NotNil(t, otel.GetTextMapPropagator())
	shutdown()
}

func TestInit_InvalidTracingURL(t *testing.T) {
	cfg := config.Observability{
		Enabled:     true,
		ServiceName: "test-service",
		TracingURL:  "",
	}

	shutdown, err := Init(cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		Enabled:    true,
		TracingURL: "localhost:4318",
	}

	shutdown, err := Init(cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}
