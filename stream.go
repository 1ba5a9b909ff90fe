package dfdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

type DeltaCallback func(delta *DeltaMessage)
type AckCallback func(ack *AckMessage)
type ErrorCallback func(errorMessage *ErrorMessage)
type CloseCallback func(status int)

// StreamCallbacks are the reserved control slots of one stream. All callbacks
// run synchronously on the stream's dispatch goroutine, so a slow callback
// delays subsequent frames for that stream. Hand off to another goroutine for
// slow work.
type StreamCallbacks struct {
	OnError ErrorCallback
	OnAck   AckCallback
	OnClose CloseCallback
}

func (self *StreamCallbacks) dispatchError(errorMessage *ErrorMessage) {
	if self == nil || self.OnError == nil {
		return
	}
	self.OnError(errorMessage)
}

func (self *StreamCallbacks) dispatchAck(ack *AckMessage) {
	if self == nil || self.OnAck == nil {
		return
	}
	self.OnAck(ack)
}

func (self *StreamCallbacks) dispatchClose(status int) {
	if self == nil || self.OnClose == nil {
		return
	}
	self.OnClose(status)
}

type DeltaStreamSettings struct {
	// bounded wait for the socket to report open
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func DefaultDeltaStreamSettings() *DeltaStreamSettings {
	return &DeltaStreamSettings{
		ConnectTimeout: 5000 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
	}
}

const (
	streamStateConnecting = iota
	streamStateConnected
	streamStateFailed
	streamStateClosed
)

// subscriptionRegistry keeps the callback map and the subscribed-id set in
// lock-step under one mutex, so the dispatch path never observes a callback
// without id membership or vice versa.
type subscriptionRegistry struct {
	mutex         sync.Mutex
	callbacks     map[string]DeltaCallback
	subscribedIds map[string]bool
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		callbacks:     map[string]DeltaCallback{},
		subscribedIds: map[string]bool{},
	}
}

func (self *subscriptionRegistry) add(subscriptionIds []string, callback DeltaCallback) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, subscriptionId := range subscriptionIds {
		self.callbacks[subscriptionId] = callback
		self.subscribedIds[subscriptionId] = true
	}
}

func (self *subscriptionRegistry) remove(subscriptionIds []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, subscriptionId := range subscriptionIds {
		delete(self.callbacks, subscriptionId)
		delete(self.subscribedIds, subscriptionId)
	}
}

func (self *subscriptionRegistry) get(subscriptionId string) (DeltaCallback, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callback, ok := self.callbacks[subscriptionId]
	return callback, ok
}

func (self *subscriptionRegistry) ids() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	ids := maps.Keys(self.subscribedIds)
	slices.Sort(ids)
	return ids
}

// DeltaStream multiplexes one streaming socket to many logical subscribers.
// One instance per Connect call; a failed or closed stream is terminal and a
// new one must be created. The stream never resubscribes on its own.
type DeltaStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	connection *Connection
	callbacks  *StreamCallbacks
	settings   *DeltaStreamSettings

	ws *websocket.Conn

	// gorilla allows one concurrent writer
	writeMutex sync.Mutex

	stateMutex sync.Mutex
	state      int

	registry *subscriptionRegistry
}

// Connect opens the delta stream socket, blocking until the socket reports
// open or the bounded wait elapses. On timeout or dial failure it returns nil
// and reports the condition via callbacks.OnError.
func Connect(ctx context.Context, connection *Connection, callbacks *StreamCallbacks) (*DeltaStream, error) {
	return ConnectWithSettings(ctx, connection, callbacks, DefaultDeltaStreamSettings())
}

func ConnectWithSettings(
	ctx context.Context,
	connection *Connection,
	callbacks *StreamCallbacks,
	settings *DeltaStreamSettings,
) (*DeltaStream, error) {
	streamUrl := connection.StreamUrl()

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.ConnectTimeout,
	}
	var requestHeader http.Header
	if token := connection.Token(); token != "" {
		requestHeader = http.Header{}
		requestHeader.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer dialCancel()

	ws, _, err := dialer.DialContext(dialCtx, streamUrl, requestHeader)
	if err != nil {
		code := ErrorCodeConnectionError
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			code = ErrorCodeTimeout
		}
		glog.Infof("[ds]connect %s error = %s\n", streamUrl, err)
		callbacks.dispatchError(&ErrorMessage{
			Message: err.Error(),
			Code:    code,
		})
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &DeltaStream{
		ctx:        cancelCtx,
		cancel:     cancel,
		connection: connection,
		callbacks:  callbacks,
		settings:   settings,
		ws:         ws,
		state:      streamStateConnected,
		registry:   newSubscriptionRegistry(),
	}
	go stream.run()
	return stream, nil
}

// reads inbound frames in strict arrival order and dispatches each fully
// before the next
func (self *DeltaStream) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if self.currentState() == streamStateClosed {
				// local close
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				glog.V(2).Infof("[ds]<- close %d\n", closeErr.Code)
				self.setState(streamStateClosed)
				self.callbacks.dispatchClose(closeErr.Code)
			} else {
				glog.Infof("[ds]<- error = %s\n", err)
				self.setState(streamStateFailed)
				self.callbacks.dispatchError(&ErrorMessage{
					Message: err.Error(),
					Code:    ErrorCodeConnectionError,
				})
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			self.dispatch(message)
		}
	}
}

func (self *DeltaStream) dispatch(message []byte) {
	frame, err := decodeFrame(message)
	if err != nil {
		glog.Infof("[ds]<- parse error = %s\n", err)
		self.callbacks.dispatchError(&ErrorMessage{
			Message: err.Error(),
			Code:    ErrorCodeParseError,
		})
		return
	}

	switch v := frame.(type) {
	case *DeltaMessage:
		if callback, ok := self.registry.get(v.SubscriptionId); ok {
			callback(v)
		} else {
			// e.g. an unsubscribe completed before the frame arrived
			glog.V(2).Infof("[ds]<- drop delta %s\n", v.SubscriptionId)
		}
	case *AckMessage:
		self.callbacks.dispatchAck(v)
	case *ErrorMessage:
		self.callbacks.dispatchError(v)
	default:
		// well-formed but unrecognized frame
		glog.V(2).Infof("[ds]<- other\n")
	}
}

// Subscribe attaches callback to each of the subscription ids. Registration
// happens before the network send, so an ack arriving immediately after the
// send finds the registration in place. The whole batch is sent as one
// control frame.
func (self *DeltaStream) Subscribe(callback DeltaCallback, subscriptionIds ...string) error {
	if len(subscriptionIds) == 0 {
		return nil
	}
	self.registry.add(subscriptionIds, callback)
	return self.sendControlFrame(frameTypeSubscribe, subscriptionIds)
}

// Unsubscribe is symmetric to Subscribe: local bookkeeping first, then one
// batched control frame.
func (self *DeltaStream) Unsubscribe(subscriptionIds ...string) error {
	if len(subscriptionIds) == 0 {
		return nil
	}
	self.registry.remove(subscriptionIds)
	return self.sendControlFrame(frameTypeUnsubscribe, subscriptionIds)
}

func (self *DeltaStream) sendControlFrame(intent string, subscriptionIds []string) error {
	frameBytes, err := encodeControlFrame(intent, subscriptionIds)
	if err != nil {
		return err
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		glog.Infof("[ds]-> %s error = %s\n", intent, err)
		return err
	}
	glog.V(2).Infof("[ds]-> %s %v\n", intent, subscriptionIds)
	return nil
}

// Close closes the underlying socket and marks the stream closed. Safe to
// call multiple times and on a stream whose socket already failed. Close does
// not cancel control frames already queued to the socket; an ack arriving
// after close is discarded with the socket.
func (self *DeltaStream) Close() {
	self.stateMutex.Lock()
	alreadyClosed := self.state == streamStateClosed
	self.state = streamStateClosed
	self.stateMutex.Unlock()
	if alreadyClosed {
		return
	}

	if self.ws != nil {
		self.ws.Close()
	}
	self.cancel()
}

func (self *DeltaStream) IsConnected() bool {
	return self.currentState() == streamStateConnected
}

// SubscribedIds returns the sorted set of subscribed identifiers.
func (self *DeltaStream) SubscribedIds() []string {
	return self.registry.ids()
}

func (self *DeltaStream) currentState() int {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

func (self *DeltaStream) setState(state int) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.state = state
}
