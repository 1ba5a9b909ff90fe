package dfdb

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/oklog/ulid/v2"
)

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// OutcomeError wraps a terminal failure outcome for callers of the
// convenience layer.
type OutcomeError struct {
	Outcome *RequestOutcome
}

func (self *OutcomeError) Error() string {
	return self.Outcome.ErrorDescription
}

// Api is the request/response surface of the dfdb server: transactions,
// queries, and subscription resource management. All calls go through the
// resilient transport.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	connection *Connection
	transport  *Transport
}

func NewApi(connection *Connection) *Api {
	return NewApiWithContext(context.Background(), connection)
}

func NewApiWithContext(ctx context.Context, connection *Connection) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Api{
		ctx:        cancelCtx,
		cancel:     cancel,
		connection: connection,
		transport:  NewTransport(cancelCtx, connection),
	}
}

func (self *Api) Close() {
	self.cancel()
}

type TransactCallback apiCallback[*TransactResult]

type TransactArgs struct {
	TxData []map[string]any `json:"tx-data"`
}

type TransactResult struct {
	TxId      string `json:"tx-id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (self *Api) Transact(transact *TransactArgs, callback TransactCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("POST", "/transact", transact),
		&TransactResult{},
		callback,
	)
}

func (self *Api) TransactSync(transact *TransactArgs) (*TransactResult, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("POST", "/transact", transact),
		&TransactResult{},
		NewNoopApiCallback[*TransactResult](),
	)
}

type QueryCallback apiCallback[*QueryResult]

type QueryArgs struct {
	Query any   `json:"query"`
	Args  []any `json:"args,omitempty"`
}

type QueryResult struct {
	Rows []map[string]any `json:"rows"`
}

func (self *Api) Query(query *QueryArgs, callback QueryCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("POST", "/query", query),
		&QueryResult{},
		callback,
	)
}

func (self *Api) QuerySync(query *QueryArgs) (*QueryResult, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("POST", "/query", query),
		&QueryResult{},
		NewNoopApiCallback[*QueryResult](),
	)
}

// Subscription is the client-side handle of a server-resident materialized
// view. Lifecycle is managed through these request/response calls, never
// through the streaming channel.
type Subscription struct {
	Id     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Query  any    `json:"query"`
	Active bool   `json:"active"`
}

type CreateSubscriptionCallback apiCallback[*Subscription]

type CreateSubscriptionArgs struct {
	Name  string `json:"name"`
	Query any    `json:"query"`
}

func (self *Api) CreateSubscription(createSubscription *CreateSubscriptionArgs, callback CreateSubscriptionCallback) {
	go execute(
		self.transport,
		self.createSubscriptionSpec(createSubscription),
		&Subscription{},
		callback,
	)
}

func (self *Api) CreateSubscriptionSync(createSubscription *CreateSubscriptionArgs) (*Subscription, error) {
	return execute(
		self.transport,
		self.createSubscriptionSpec(createSubscription),
		&Subscription{},
		NewNoopApiCallback[*Subscription](),
	)
}

func (self *Api) createSubscriptionSpec(createSubscription *CreateSubscriptionArgs) *RequestSpec {
	if createSubscription.Name == "" {
		createSubscription = &CreateSubscriptionArgs{
			Name:  fmt.Sprintf("sub-%s", ulid.Make().String()),
			Query: createSubscription.Query,
		}
	}
	return self.connection.NewRequestSpec("POST", "/subscriptions", createSubscription)
}

type GetSubscriptionCallback apiCallback[*Subscription]

func (self *Api) GetSubscription(subscriptionId string, callback GetSubscriptionCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("GET", fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionId)), nil),
		&Subscription{},
		callback,
	)
}

func (self *Api) GetSubscriptionSync(subscriptionId string) (*Subscription, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("GET", fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionId)), nil),
		&Subscription{},
		NewNoopApiCallback[*Subscription](),
	)
}

type ListSubscriptionsCallback apiCallback[*ListSubscriptionsResult]

type ListSubscriptionsResult struct {
	Subscriptions []*Subscription `json:"subscriptions"`
}

func (self *Api) ListSubscriptions(callback ListSubscriptionsCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("GET", "/subscriptions", nil),
		&ListSubscriptionsResult{},
		callback,
	)
}

func (self *Api) ListSubscriptionsSync() (*ListSubscriptionsResult, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("GET", "/subscriptions", nil),
		&ListSubscriptionsResult{},
		NewNoopApiCallback[*ListSubscriptionsResult](),
	)
}

type UpdateSubscriptionCallback apiCallback[*Subscription]

type UpdateSubscriptionArgs struct {
	Name   string `json:"name,omitempty"`
	Query  any    `json:"query,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

func (self *Api) UpdateSubscription(subscriptionId string, updateSubscription *UpdateSubscriptionArgs, callback UpdateSubscriptionCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("PUT", fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionId)), updateSubscription),
		&Subscription{},
		callback,
	)
}

func (self *Api) UpdateSubscriptionSync(subscriptionId string, updateSubscription *UpdateSubscriptionArgs) (*Subscription, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("PUT", fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionId)), updateSubscription),
		&Subscription{},
		NewNoopApiCallback[*Subscription](),
	)
}

type DeleteSubscriptionCallback apiCallback[*DeleteSubscriptionResult]

type DeleteSubscriptionResult struct {
	Deleted bool `json:"deleted,omitempty"`
}

func (self *Api) DeleteSubscription(subscriptionId string, callback DeleteSubscriptionCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("DELETE", fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionId)), nil),
		&DeleteSubscriptionResult{},
		callback,
	)
}

func (self *Api) DeleteSubscriptionSync(subscriptionId string) (*DeleteSubscriptionResult, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("DELETE", fmt.Sprintf("/subscriptions/%s", url.PathEscape(subscriptionId)), nil),
		&DeleteSubscriptionResult{},
		NewNoopApiCallback[*DeleteSubscriptionResult](),
	)
}

// ViewParams are the optional filter/sort/pagination parameters of a
// materialized view read.
type ViewParams struct {
	Limit      int
	Offset     int
	SortBy     string
	Descending bool
	Filter     string
}

func (self *ViewParams) queryString() string {
	if self == nil {
		return ""
	}
	values := url.Values{}
	if 0 < self.Limit {
		values.Set("limit", strconv.Itoa(self.Limit))
	}
	if 0 < self.Offset {
		values.Set("offset", strconv.Itoa(self.Offset))
	}
	if self.SortBy != "" {
		values.Set("sort-by", self.SortBy)
		if self.Descending {
			values.Set("desc", "true")
		}
	}
	if self.Filter != "" {
		values.Set("filter", self.Filter)
	}
	if len(values) == 0 {
		return ""
	}
	return fmt.Sprintf("?%s", values.Encode())
}

type SubscriptionResultsCallback apiCallback[*SubscriptionResultsResult]

type SubscriptionResultsResult struct {
	Rows  []map[string]any `json:"rows"`
	Total int              `json:"total,omitempty"`
}

func (self *Api) SubscriptionResults(subscriptionId string, params *ViewParams, callback SubscriptionResultsCallback) {
	go execute(
		self.transport,
		self.subscriptionResultsSpec(subscriptionId, params),
		&SubscriptionResultsResult{},
		callback,
	)
}

func (self *Api) SubscriptionResultsSync(subscriptionId string, params *ViewParams) (*SubscriptionResultsResult, error) {
	return execute(
		self.transport,
		self.subscriptionResultsSpec(subscriptionId, params),
		&SubscriptionResultsResult{},
		NewNoopApiCallback[*SubscriptionResultsResult](),
	)
}

func (self *Api) subscriptionResultsSpec(subscriptionId string, params *ViewParams) *RequestSpec {
	path := fmt.Sprintf(
		"/subscriptions/%s/results%s",
		url.PathEscape(subscriptionId),
		params.queryString(),
	)
	return self.connection.NewRequestSpec("GET", path, nil)
}

type EntityCallback apiCallback[*EntityResult]

type EntityResult struct {
	Entity map[string]any `json:"entity"`
}

// Entity looks up one entity by id.
func (self *Api) Entity(entityId string, callback EntityCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("GET", fmt.Sprintf("/entity/%s", url.PathEscape(entityId)), nil),
		&EntityResult{},
		callback,
	)
}

func (self *Api) EntitySync(entityId string) (*EntityResult, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("GET", fmt.Sprintf("/entity/%s", url.PathEscape(entityId)), nil),
		&EntityResult{},
		NewNoopApiCallback[*EntityResult](),
	)
}

type PullCallback apiCallback[*PullResult]

type PullArgs struct {
	Id      string `json:"id"`
	Pattern any    `json:"pattern"`
}

type PullResult struct {
	Entity map[string]any `json:"entity"`
}

// Pull fetches the attributes of one entity selected by a pull pattern.
func (self *Api) Pull(pull *PullArgs, callback PullCallback) {
	go execute(
		self.transport,
		self.connection.NewRequestSpec("POST", "/pull", pull),
		&PullResult{},
		callback,
	)
}

func (self *Api) PullSync(pull *PullArgs) (*PullResult, error) {
	return execute(
		self.transport,
		self.connection.NewRequestSpec("POST", "/pull", pull),
		&PullResult{},
		NewNoopApiCallback[*PullResult](),
	)
}

func execute[R any](transport *Transport, spec *RequestSpec, result R, callback apiCallback[R]) (R, error) {
	outcome := transport.Execute(spec)
	if !outcome.Success {
		var empty R
		err := &OutcomeError{
			Outcome: outcome,
		}
		callback.Result(empty, err)
		return empty, err
	}

	if err := outcome.Decode(result); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
