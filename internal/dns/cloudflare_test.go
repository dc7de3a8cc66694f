package dns

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cloudflareFixture runs an httptest server that records requests and plays
// back queued responses.
type cloudflareFixture struct {
	server   *httptest.Server
	requests []recordedRequest
	respond  func(w http.ResponseWriter, r *http.Request, n int)
}

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newCloudflareFixture(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, n int)) *cloudflareFixture {
	t.Helper()
	f := &cloudflareFixture{respond: respond}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req.body)
		}
		n := len(f.requests)
		f.requests = append(f.requests, req)
		f.respond(w, r, n)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestCloudflareProvider(baseURL string) *CloudflareProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 5 * time.Millisecond
	client.Logger = nil
	return NewCloudflareProvider("test-token", "zone-1", "example.com",
		WithBaseURL(baseURL), WithHTTPClient(client))
}

func listResponse(records ...cloudflareRecord) string {
	out, _ := json.Marshal(map[string]any{"success": true, "result": records})
	return string(out)
}

func recordResponse(record cloudflareRecord) string {
	out, _ := json.Marshal(map[string]any{"success": true, "result": record})
	return string(out)
}

func TestCloudflareGetCNAME(t *testing.T) {
	f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
		fmt.Fprint(w, listResponse(cloudflareRecord{
			ID: "rec-1", Name: "devbox.example.com", Content: "target.amazonaws.com", TTL: 300,
		}))
	})
	p := newTestCloudflareProvider(f.server.URL)

	record, err := p.GetCNAME(t.Context(), "devbox")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "devbox.example.com", record.Name)
	assert.Equal(t, "target.amazonaws.com", record.Target)
	assert.Equal(t, "rec-1", record.ProviderID)

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/zones/zone-1/dns_records", req.path)
	assert.Contains(t, req.query, "type=CNAME")
	assert.Contains(t, req.query, "name=devbox.example.com")
	assert.Equal(t, "Bearer test-token", req.auth)
}

func TestCloudflareCreateCNAME(t *testing.T) {
	t.Run("creates a record when missing", func(t *testing.T) {
		f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
			if n == 0 {
				fmt.Fprint(w, listResponse())
				return
			}
			fmt.Fprint(w, recordResponse(cloudflareRecord{
				ID: "rec-new", Name: "devbox.example.com", Content: "target.amazonaws.com", TTL: 300,
			}))
		})
		p := newTestCloudflareProvider(f.server.URL)

		record, err := p.CreateCNAME(t.Context(), "devbox", "target.amazonaws.com")
		require.NoError(t, err)
		assert.Equal(t, "devbox.example.com", record.Name)
		assert.Equal(t, "rec-new", record.ProviderID)

		require.Len(t, f.requests, 2)
		create := f.requests[1]
		assert.Equal(t, http.MethodPost, create.method)
		assert.Equal(t, "/zones/zone-1/dns_records", create.path)
		assert.Equal(t, "CNAME", create.body["type"])
		assert.Equal(t, "devbox.example.com", create.body["name"])
		assert.Equal(t, "target.amazonaws.com", create.body["content"])
		assert.Equal(t, float64(300), create.body["ttl"])
		assert.Equal(t, false, create.body["proxied"])
	})

	t.Run("reuses a record with the same target", func(t *testing.T) {
		f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
			fmt.Fprint(w, listResponse(cloudflareRecord{
				ID: "rec-1", Name: "devbox.example.com", Content: "target.amazonaws.com", TTL: 300,
			}))
		})
		p := newTestCloudflareProvider(f.server.URL)

		record, err := p.CreateCNAME(t.Context(), "devbox", "target.amazonaws.com")
		require.NoError(t, err)
		assert.Equal(t, "rec-1", record.ProviderID)
		assert.Len(t, f.requests, 1)
	})

	t.Run("updates a record with a different target", func(t *testing.T) {
		f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
			if n == 0 {
				fmt.Fprint(w, listResponse(cloudflareRecord{
					ID: "rec-1", Name: "devbox.example.com", Content: "old.amazonaws.com", TTL: 300,
				}))
				return
			}
			fmt.Fprint(w, recordResponse(cloudflareRecord{
				ID: "rec-1", Name: "devbox.example.com", Content: "new.amazonaws.com", TTL: 300,
			}))
		})
		p := newTestCloudflareProvider(f.server.URL)

		record, err := p.CreateCNAME(t.Context(), "devbox", "new.amazonaws.com")
		require.NoError(t, err)
		assert.Equal(t, "new.amazonaws.com", record.Target)

		require.Len(t, f.requests, 2)
		update := f.requests[1]
		assert.Equal(t, http.MethodPut, update.method)
		assert.Equal(t, "/zones/zone-1/dns_records/rec-1", update.path)
	})
}

func TestCloudflareDeleteCNAME(t *testing.T) {
	t.Run("deletes an existing record", func(t *testing.T) {
		f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
			if n == 0 {
				fmt.Fprint(w, listResponse(cloudflareRecord{
					ID: "rec-1", Name: "devbox.example.com", Content: "target.amazonaws.com", TTL: 300,
				}))
				return
			}
			fmt.Fprint(w, `{"success": true, "result": {"id": "rec-1"}}`)
		})
		p := newTestCloudflareProvider(f.server.URL)

		deleted, err := p.DeleteCNAME(t.Context(), "devbox")
		require.NoError(t, err)
		assert.True(t, deleted)

		require.Len(t, f.requests, 2)
		assert.Equal(t, http.MethodDelete, f.requests[1].method)
		assert.Equal(t, "/zones/zone-1/dns_records/rec-1", f.requests[1].path)
	})

	t.Run("reports false when no record exists", func(t *testing.T) {
		f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
			fmt.Fprint(w, listResponse())
		})
		p := newTestCloudflareProvider(f.server.URL)

		deleted, err := p.DeleteCNAME(t.Context(), "devbox")
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Len(t, f.requests, 1)
	})
}

func TestCloudflareSurfacesAPIErrors(t *testing.T) {
	f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"success": false, "errors": [{"code": 9109, "message": "Invalid access token"}]}`)
	})
	p := newTestCloudflareProvider(f.server.URL)

	_, err := p.GetCNAME(t.Context(), "devbox")
	require.ErrorIs(t, err, ErrCloudflareAPI)
	assert.Contains(t, err.Error(), "Invalid access token")
}

func TestCloudflareRetriesRateLimits(t *testing.T) {
	f := newCloudflareFixture(t, func(w http.ResponseWriter, r *http.Request, n int) {
		if n == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"success": false, "errors": [{"code": 971, "message": "rate limited"}]}`)
			return
		}
		fmt.Fprint(w, listResponse(cloudflareRecord{
			ID: "rec-1", Name: "devbox.example.com", Content: "target.amazonaws.com", TTL: 300,
		}))
	})
	p := newTestCloudflareProvider(f.server.URL)

	record, err := p.GetCNAME(t.Context(), "devbox")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Len(t, f.requests, 2)
}
