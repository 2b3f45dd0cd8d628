package s3archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseEndpointPassesThroughExplicitScheme(t *testing.T) {
	assert.Equal(t, "https://minio.internal:9000", normaliseEndpoint("https://minio.internal:9000", false))
}

func TestNormaliseEndpointDefaultsToHTTP(t *testing.T) {
	assert.Equal(t, "http://minio.internal:9000", normaliseEndpoint("minio.internal:9000", false))
}

func TestNormaliseEndpointUsesHTTPSWhenSSLRequested(t *testing.T) {
	assert.Equal(t, "https://minio.internal:9000", normaliseEndpoint("minio.internal:9000", true))
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Bucket: "archive"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}
