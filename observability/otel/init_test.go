package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Metrics: true})
	require.Error(t, err)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "p2pd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "p2pd", Environment: "dev", NodeID: "abc", Region: "eu-west"})
	set := attribute.NewSet(attrs...)
	for key, want := range map[attribute.Key]string{
		"service.name":           "p2pd",
		"deployment.environment": "dev",
		"service.instance.id":    "abc",
		"swarm.region":           "eu-west",
	} {
		got, ok := set.Value(key)
		require.True(t, ok, key)
		require.Equal(t, want, got.AsString())
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = s3cret , =skip, novalue, x=1,")
	require.Equal(t, map[string]string{"api-key": "s3cret", "x": "1"}, got)
}
