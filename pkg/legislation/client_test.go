package legislation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shotleybuilder/sertantai-ingest/internal/resilience"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newTestClient(srv, resilience.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
}

func newTestClient(srv *httptest.Server, retry resilience.RetryConfig) Client {
	return NewClient(
		WithBaseURL(srv.URL),
		WithRateLimit(1000, 1000),
		WithRetry(retry),
	)
}

func TestMetadata(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/uksi/2013/1506/data.xml", r.URL.Path)
		assert.Equal(t, "sertantai-ingest/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/xml", r.Header.Get("Accept"))
		w.Write([]byte(metadataFixture))
	})

	fields, err := c.Metadata(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	assert.Equal(t, "The Reporting of Injuries, Diseases and Dangerous Occurrences Regulations 2013", fields.Title)
	assert.Equal(t, []string{"Health and safety", "Employment"}, fields.Subjects)
	assert.Equal(t, "HEALTH AND SAFETY", fields.SICode)
	assert.Equal(t, "2013-08-05", fields.MadeDate)
	assert.Equal(t, "2013-10-01", fields.ComingIntoForceDate)
	assert.Equal(t, "2023-11-01", fields.DctValidDate)
	assert.Equal(t, 120, fields.TotalParas)
	assert.Equal(t, 2, fields.Images)
	assert.Equal(t, "E+W+S+NI", fields.RestrictExtent)
}

func TestMetadata_NotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Metadata(context.Background(), "uksi/1999/1")
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindNotFound, le.Kind)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnavailable(err))
}

func TestMetadata_RateLimited(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Metadata(context.Background(), "uksi/2013/1506")
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindRateLimited, le.Kind)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, 7*time.Second, resilience.RetryAfterHint(err))
}

func TestMetadata_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(metadataFixture))
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	fields, err := c.Metadata(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.NotEmpty(t, fields.Title)
}

func TestMetadata_MalformedXML(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<Legislation><unclosed"))
	})

	_, err := c.Metadata(context.Background(), "uksi/2013/1506")
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindMalformed, le.Kind)
	assert.False(t, IsUnavailable(err))
}

func TestExtent(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uksi/2013/1506/data.xml", r.URL.Path)
		w.Write([]byte(metadataFixture))
	})

	fields, err := c.Extent(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	assert.Equal(t, "E+W+S+NI", fields.Extent)
	assert.Equal(t, []string{"England", "Wales", "Scotland", "Northern Ireland"}, fields.Regions)
	assert.Equal(t, "E+W+S+N.I.", fields.Detail)
}

func TestEnactedBy(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uksi/2013/1506/resources/data.xml", r.URL.Path)
		w.Write([]byte(resourcesFixture))
	})

	fields, err := c.EnactedBy(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	assert.Equal(t, []string{"ukpga/1974/37"}, fields.Parents)
	assert.Equal(t, []string{"https://www.legislation.gov.uk/id/ukpga/1974/37"}, fields.Links)
}

func TestAmending(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes/affecting/uksi/2013/1506/data.xml", r.URL.Path)
		w.Write([]byte(changesFixture))
	})

	fields, err := c.Amending(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	require.Len(t, fields.Effects, 3)
	assert.Equal(t, "revoked", fields.Effects[0].Type)
	assert.Equal(t, "uksi/1995/3163", fields.Effects[0].Affected)
	assert.Equal(t, "uksi/2013/1506", fields.Effects[0].Affecting)
}

func TestAmendedBy(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes/affected/uksi/2013/1506/data.xml", r.URL.Path)
		w.Write([]byte(changesFixture))
	})

	fields, err := c.AmendedBy(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	require.Len(t, fields.Effects, 3)
}

func TestRepealRevoke(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uksi/2013/1506/data.xml", r.URL.Path)
		w.Write([]byte(metadataFixture))
	})

	fields, err := c.RepealRevoke(context.Background(), "uksi/2013/1506")
	require.NoError(t, err)
	assert.Equal(t, "revoked", fields.Status)
	assert.Equal(t, []string{"uksi/2023/1164"}, fields.Superseding)
}

func TestContextCancellation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should have been cancelled")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Metadata(ctx, "uksi/2013/1506")
	require.Error(t, err)
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()
	custom := &http.Client{}
	c := NewClient(WithHTTPClient(custom))
	hc := c.(*httpClient)
	assert.Equal(t, custom, hc.http)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
