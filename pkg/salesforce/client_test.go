package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/crmsync/pkg/clients"
	"github.com/ajitpratap0/crmsync/pkg/connection"
	"github.com/ajitpratap0/crmsync/pkg/errors"
)

type fakeOrg struct {
	srv       *httptest.Server
	pages     [][]map[string]any
	pageCalls int32
	expired   bool
}

func newFakeOrg(t *testing.T, pages ...[]map[string]any) *fakeOrg {
	org := &fakeOrg{pages: pages}
	mux := http.NewServeMux()

	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") != "password" || r.Form.Get("password") != "pwTOKEN" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"authentication failure"}`))
			return
		}
		assert.Equal(t, "client-id", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "session-token",
			"token_type":   "Bearer",
			"instance_url": org.srv.URL,
		})
	})

	serve := func(w http.ResponseWriter, r *http.Request, idx int) {
		atomic.AddInt32(&org.pageCalls, 1)
		if org.expired {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
			return
		}
		assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		assert.Equal(t, "batchSize=200", r.Header.Get("Sforce-Query-Options"))

		page := map[string]any{
			"totalSize": 0,
			"done":      idx == len(org.pages)-1,
			"records":   org.pages[idx],
		}
		if idx < len(org.pages)-1 {
			page["nextRecordsUrl"] = fmt.Sprintf("/services/data/v59.0/query/01gNEXT-%d", idx+1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}

	mux.HandleFunc("/services/data/v59.0/query", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "SELECT bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`[{"message":"unexpected token: bad","errorCode":"MALFORMED_QUERY"}]`))
			return
		}
		serve(w, r, 0)
	})
	mux.HandleFunc("/services/data/v59.0/query/", func(w http.ResponseWriter, r *http.Request) {
		var idx int
		_, err := fmt.Sscanf(r.URL.Path, "/services/data/v59.0/query/01gNEXT-%d", &idx)
		require.NoError(t, err)
		serve(w, r, idx)
	})

	org.srv = httptest.NewServer(mux)
	t.Cleanup(org.srv.Close)
	return org
}

func records(ids ...string) []map[string]any {
	out := make([]map[string]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"attributes": map[string]any{"type": "Account"}, "Id": id, "Name": "Acct " + id}
	}
	return out
}

func newTestClient(t *testing.T, org *fakeOrg) *Client {
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.EnableHTTP2 = false
	httpCfg.RateLimit = 0
	httpCfg.RetryDelay = time.Millisecond
	logger := zaptest.NewLogger(t)

	return NewClient(Config{
		LoginURL:     org.srv.URL,
		APIVersion:   "v59.0",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		PageSize:     200,
	}, clients.NewHTTPClient(httpCfg, logger), logger)
}

func collect(t *testing.T, conn connection.Connection, soql string, opts connection.QueryOptions) ([]string, error) {
	t.Helper()
	var ids []string
	err := conn.Query(context.Background(), soql, opts, func(row map[string]any) error {
		ids = append(ids, row["Id"].(string))
		return nil
	})
	return ids, err
}

func TestLogin(t *testing.T) {
	org := newFakeOrg(t, records("001"))
	client := newTestClient(t, org)

	conn, err := client.Login(context.Background(), "ops@example.com", "pwTOKEN")
	require.NoError(t, err)
	assert.Equal(t, org.srv.URL, conn.(*Session).instanceURL)

	_, err = client.Login(context.Background(), "ops@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestQueryFollowsPages(t *testing.T) {
	org := newFakeOrg(t, records("001", "002"), records("003", "004"), records("005"))
	conn, err := newTestClient(t, org).Login(context.Background(), "u", "pwTOKEN")
	require.NoError(t, err)

	ids, err := collect(t, conn, "SELECT Id FROM Account LIMIT 1000", connection.QueryOptions{MaxFetch: 1000, MaxPages: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002", "003", "004", "005"}, ids)
	assert.Equal(t, int32(3), atomic.LoadInt32(&org.pageCalls))
}

func TestQueryRespectsCaps(t *testing.T) {
	t.Run("max fetch", func(t *testing.T) {
		org := newFakeOrg(t, records("001", "002"), records("003", "004"), records("005"))
		conn, err := newTestClient(t, org).Login(context.Background(), "u", "pwTOKEN")
		require.NoError(t, err)

		ids, err := collect(t, conn, "SELECT Id FROM Account LIMIT 3", connection.QueryOptions{MaxFetch: 3, MaxPages: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"001", "002", "003"}, ids)
		assert.Equal(t, int32(2), atomic.LoadInt32(&org.pageCalls))
	})

	t.Run("max pages", func(t *testing.T) {
		org := newFakeOrg(t, records("001", "002"), records("003", "004"), records("005"))
		conn, err := newTestClient(t, org).Login(context.Background(), "u", "pwTOKEN")
		require.NoError(t, err)

		ids, err := collect(t, conn, "SELECT Id FROM Account LIMIT 1000", connection.QueryOptions{MaxFetch: 1000, MaxPages: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"001", "002"}, ids)
		assert.Equal(t, int32(1), atomic.LoadInt32(&org.pageCalls))
	})
}

func TestQueryErrors(t *testing.T) {
	org := newFakeOrg(t, records("001"))
	conn, err := newTestClient(t, org).Login(context.Background(), "u", "pwTOKEN")
	require.NoError(t, err)

	_, err = collect(t, conn, "SELECT bad", connection.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFetch))
	assert.Contains(t, err.Error(), "MALFORMED_QUERY")

	org.expired = true
	_, err = collect(t, conn, "SELECT Id FROM Account", connection.QueryOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestQueryCallbackErrorStops(t *testing.T) {
	org := newFakeOrg(t, records("001", "002"), records("003"))
	conn, err := newTestClient(t, org).Login(context.Background(), "u", "pwTOKEN")
	require.NoError(t, err)

	stop := errors.New(errors.ErrorTypeInternal, "stop")
	calls := 0
	err = conn.Query(context.Background(), "SELECT Id FROM Account", connection.QueryOptions{}, func(map[string]any) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
