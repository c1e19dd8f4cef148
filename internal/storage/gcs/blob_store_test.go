package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, fn roundTripperFunc) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{Transport: fn}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func jsonResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    r,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusOK, `{}`), nil
	})
	_, err = New(client, Config{Bucket: "  "})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		assert.Contains(t, r.URL.Path, "/b/archive/o")
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		return jsonResponse(r, http.StatusOK, `{"bucket":"archive","name":"raw/42/abc.html"}`), nil
	})
	store, err := New(client, Config{Bucket: "archive", Prefix: "/raw/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "42/abc.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/raw/42/abc.html", uri)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPutObjectExistingObjectIsSuccess(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusPreconditionFailed,
			`{"error":{"code":412,"message":"At least one of the pre-conditions you specified did not hold.","errors":[{"reason":"conditionNotMet"}]}}`), nil
	})
	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "42/abc.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/42/abc.html", uri)
}

func TestPutObjectPropagatesServerErrors(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(r, http.StatusForbidden, `{"error":{"code":403,"message":"forbidden"}}`), nil
	})
	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "42/abc.html", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "/", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "object name is required")
}
