package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "operatord"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "tick")
	span.End()
	require.NotNil(t, Meter())
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer x , =skip, broken ,tenant= hub ")
	require.Equal(t, map[string]string{"authorization": "Bearer x", "tenant": "hub"}, headers)
}
