package dfdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/oklog/ulid/v2"
)

// RequestSpec describes one logical request. The body is encoded once and
// re-submitted unchanged on every retry attempt, so callers must only submit
// idempotent bodies.
type RequestSpec struct {
	Method     string
	Url        string
	Body       any
	Timeout    time.Duration
	MaxRetries int
}

func (self *Connection) NewRequestSpec(method string, path string, body any) *RequestSpec {
	return &RequestSpec{
		Method:     method,
		Url:        self.Url(path),
		Body:       body,
		Timeout:    self.RequestTimeout(),
		MaxRetries: self.MaxRetries(),
	}
}

// RequestOutcome is the uniform result of one logical request, produced once
// after a success is observed or the retry budget is exhausted.
type RequestOutcome struct {
	Success bool
	Status  int
	// decoded response body: the structured object form when possible,
	// a generic json value otherwise, nil when the body is empty or
	// undecodable
	Body any
	// raw response text, set only when no decode succeeded
	RawBody          string
	ErrorDescription string

	bodyBytes []byte
}

// Decode unmarshals the response body into result. An empty body is an
// absent value, not an error.
func (self *RequestOutcome) Decode(result any) error {
	if len(self.bodyBytes) == 0 {
		return nil
	}
	return json.Unmarshal(self.bodyBytes, result)
}

type TransportSettings struct {
	// backoff delay for retry attempt n is BackoffBase * 2^n
	BackoffBase time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		BackoffBase: 500 * time.Millisecond,
	}
}

// Transport issues logical requests against one connection, retrying
// transient failures with deterministic exponential backoff. Calls are
// stateless and safe to run concurrently; backoff sleeps block only the
// calling goroutine.
type Transport struct {
	ctx        context.Context
	connection *Connection
	settings   *TransportSettings
}

func NewTransport(ctx context.Context, connection *Connection) *Transport {
	return NewTransportWithSettings(ctx, connection, DefaultTransportSettings())
}

func NewTransportWithSettings(ctx context.Context, connection *Connection, settings *TransportSettings) *Transport {
	return &Transport{
		ctx:        ctx,
		connection: connection,
		settings:   settings,
	}
}

func (self *Transport) Execute(spec *RequestSpec) *RequestOutcome {
	var requestBodyBytes []byte
	if spec.Body != nil {
		var err error
		requestBodyBytes, err = json.Marshal(spec.Body)
		if err != nil {
			return &RequestOutcome{
				ErrorDescription: err.Error(),
			}
		}
	}

	// one id for the logical request, stable across retries
	requestId := ulid.Make().String()

	var status int
	var responseBodyBytes []byte
	var err error
	for attempt := 0; ; attempt += 1 {
		status, responseBodyBytes, err = self.attempt(spec, requestBodyBytes, requestId)
		if !transientFailure(status, err) {
			break
		}
		if spec.MaxRetries <= attempt {
			glog.Infof("[rt]%s budget exhausted after %d attempts\n", requestId, attempt+1)
			break
		}
		backoff := self.settings.BackoffBase * time.Duration(1<<attempt)
		glog.V(2).Infof("[rt]%s retry %d in %s\n", requestId, attempt+1, backoff)
		time.Sleep(backoff)
	}

	outcome := &RequestOutcome{
		Status:    status,
		bodyBytes: responseBodyBytes,
	}
	if err == nil && status < 400 {
		outcome.Success = true
	} else if err != nil {
		outcome.ErrorDescription = err.Error()
	} else {
		outcome.ErrorDescription = fmt.Sprintf("HTTP %d", status)
	}

	if 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		structured := map[string]any{}
		if decodeErr := json.Unmarshal(responseBodyBytes, &structured); decodeErr == nil {
			outcome.Body = structured
		} else {
			var generic any
			if decodeErr := json.Unmarshal(responseBodyBytes, &generic); decodeErr == nil {
				outcome.Body = generic
			} else {
				outcome.RawBody = string(responseBodyBytes)
			}
		}
	}
	return outcome
}

func (self *Transport) attempt(spec *RequestSpec, requestBodyBytes []byte, requestId string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(self.ctx, spec.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if requestBodyBytes != nil {
		bodyReader = bytes.NewReader(requestBodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.Url, bodyReader)
	if err != nil {
		return 0, nil, err
	}

	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Request-Id", requestId)
	if token := self.connection.Token(); token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	r, err := self.connection.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return r.StatusCode, nil, err
	}
	return r.StatusCode, responseBodyBytes, nil
}

// network-level failures, 5xx and 429 are retried. Everything else,
// including other 4xx, is final.
func transientFailure(status int, err error) bool {
	if err != nil {
		return true
	}
	return 500 <= status || status == http.StatusTooManyRequests
}
