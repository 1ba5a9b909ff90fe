package dfdb

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestApiServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /transact", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		args := map[string]any{}
		if err := json.Unmarshal(body, &args); err != nil {
			w.WriteHeader(400)
			return
		}
		if _, ok := args["tx-data"]; !ok {
			w.WriteHeader(400)
			w.Write([]byte(`{"message":"missing tx-data"}`))
			return
		}
		w.Write([]byte(`{"tx-id":"tx1","timestamp":42}`))
	})
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rows":[{"?name":"Alice"},{"?name":"Bob"}]}`))
	})
	mux.HandleFunc("POST /subscriptions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		args := &CreateSubscriptionArgs{}
		json.Unmarshal(body, args)
		subscription := &Subscription{
			Id:     "s1",
			Name:   args.Name,
			Query:  args.Query,
			Active: true,
		}
		subscriptionJson, _ := json.Marshal(subscription)
		w.Write(subscriptionJson)
	})
	mux.HandleFunc("GET /subscriptions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"subscriptions":[{"id":"s1","name":"people","active":true}]}`))
	})
	mux.HandleFunc("GET /subscriptions/s1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"s1","name":"people","active":true}`))
	})
	mux.HandleFunc("PUT /subscriptions/s1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"s1","name":"people","active":false}`))
	})
	mux.HandleFunc("DELETE /subscriptions/s1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"deleted":true}`))
	})
	mux.HandleFunc("GET /subscriptions/s1/results", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("limit") == "2" && query.Get("offset") == "1" &&
			query.Get("sort-by") == "?name" && query.Get("desc") == "true" {
			w.Write([]byte(`{"rows":[{"?name":"Bob"},{"?name":"Alice"}],"total":3}`))
			return
		}
		w.Write([]byte(`{"rows":[],"total":0}`))
	})
	mux.HandleFunc("GET /entity/e1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entity":{"name":"Alice","age":30}}`))
	})
	mux.HandleFunc("POST /pull", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entity":{"name":"Alice"}}`))
	})
	return httptest.NewServer(mux)
}

func newTestApi(t *testing.T, baseUrl string) *Api {
	return NewApi(newTestConnection(t, baseUrl, 0))
}

func TestTransact(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	result, err := api.TransactSync(&TransactArgs{
		TxData: []map[string]any{
			{"name": "Alice", "age": 30},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "tx1", result.TxId)
	assert.Equal(t, int64(42), result.Timestamp)
}

func TestTransactAsyncCallback(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	callback, c := NewBlockingApiCallback[*TransactResult]()
	api.Transact(&TransactArgs{
		TxData: []map[string]any{
			{"name": "Bob"},
		},
	}, callback)

	select {
	case callbackResult := <-c:
		assert.Equal(t, callbackResult.Error, nil)
		assert.Equal(t, "tx1", callbackResult.Result.TxId)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for callback")
	}
}

func TestQuery(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	result, err := api.QuerySync(&QueryArgs{
		Query: map[string]any{"find": []any{"?name"}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, []map[string]any{
		{"?name": "Alice"},
		{"?name": "Bob"},
	}, result.Rows)
}

func TestSubscriptionLifecycle(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	created, err := api.CreateSubscriptionSync(&CreateSubscriptionArgs{
		Name:  "people",
		Query: map[string]any{"find": []any{"?name"}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "s1", created.Id)
	assert.Equal(t, "people", created.Name)
	assert.Equal(t, true, created.Active)

	fetched, err := api.GetSubscriptionSync("s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, "s1", fetched.Id)

	listed, err := api.ListSubscriptionsSync()
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(listed.Subscriptions))
	assert.Equal(t, "s1", listed.Subscriptions[0].Id)

	inactive := false
	updated, err := api.UpdateSubscriptionSync("s1", &UpdateSubscriptionArgs{
		Active: &inactive,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, false, updated.Active)

	deleted, err := api.DeleteSubscriptionSync("s1")
	assert.Equal(t, err, nil)
	assert.Equal(t, true, deleted.Deleted)
}

func TestCreateSubscriptionDefaultsName(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	created, err := api.CreateSubscriptionSync(&CreateSubscriptionArgs{
		Query: map[string]any{"find": []any{"?name"}},
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, "", created.Name)
}

func TestSubscriptionResultsParams(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	result, err := api.SubscriptionResultsSync("s1", &ViewParams{
		Limit:      2,
		Offset:     1,
		SortBy:     "?name",
		Descending: true,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, len(result.Rows))
	assert.Equal(t, "Bob", result.Rows[0]["?name"])

	// nil params are valid
	result, err = api.SubscriptionResultsSync("s1", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, result.Total)
}

func TestEntityAndPull(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	entity, err := api.EntitySync("e1")
	assert.Equal(t, err, nil)
	assert.Equal(t, "Alice", entity.Entity["name"])

	pulled, err := api.PullSync(&PullArgs{
		Id:      "e1",
		Pattern: []any{"name"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, map[string]any{"name": "Alice"}, pulled.Entity)
}

func TestFailureOutcomeWrappedAsError(t *testing.T) {
	server := newTestApiServer(t)
	defer server.Close()

	api := newTestApi(t, server.URL)
	defer api.Close()

	_, err := api.GetSubscriptionSync("missing")
	assert.NotEqual(t, err, nil)

	outcomeErr, ok := err.(*OutcomeError)
	assert.Equal(t, true, ok)
	assert.Equal(t, 404, outcomeErr.Outcome.Status)
	assert.Equal(t, "HTTP 404", outcomeErr.Outcome.ErrorDescription)
}
