package dfdb

import (
	"encoding/json"
	"fmt"
)

const (
	frameTypeDelta       = "delta"
	frameTypeAck         = "ack"
	frameTypeError       = "error"
	frameTypeSubscribe   = "subscribe"
	frameTypeUnsubscribe = "unsubscribe"
)

// DeltaMessage is the incremental effect of one committed transaction on one
// materialized view. Rows are unordered maps from result-variable name
// (e.g. "?name") to value.
type DeltaMessage struct {
	SubscriptionId string           `json:"subscription-id"`
	Additions      []map[string]any `json:"additions"`
	Retractions    []map[string]any `json:"retractions"`
	Timestamp      int64            `json:"timestamp"`
}

// AckMessage confirms a subscribe or unsubscribe control frame.
type AckMessage struct {
	Action          string   `json:"action"`
	SubscriptionIds []string `json:"subscription-ids"`
}

// ErrorMessage is a control-plane failure. The same shape carries
// socket-level conditions with the reserved codes below.
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

const ErrorCodeTimeout = "TIMEOUT"
const ErrorCodeConnectionError = "CONNECTION_ERROR"
const ErrorCodeParseError = "PARSE_ERROR"

type controlFrame struct {
	Type            string   `json:"type"`
	SubscriptionIds []string `json:"subscription-ids"`
}

func encodeControlFrame(intent string, subscriptionIds []string) ([]byte, error) {
	switch intent {
	case frameTypeSubscribe, frameTypeUnsubscribe:
	default:
		return nil, fmt.Errorf("unknown control intent: %s", intent)
	}
	return json.Marshal(&controlFrame{
		Type:            intent,
		SubscriptionIds: subscriptionIds,
	})
}

// decodeFrame returns one of *DeltaMessage, *AckMessage, *ErrorMessage, or
// nil for a well-formed frame of an unrecognized type.
func decodeFrame(message []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case frameTypeDelta:
		delta := &DeltaMessage{}
		if err := json.Unmarshal(message, delta); err != nil {
			return nil, err
		}
		return delta, nil
	case frameTypeAck:
		ack := &AckMessage{}
		if err := json.Unmarshal(message, ack); err != nil {
			return nil, err
		}
		return ack, nil
	case frameTypeError:
		errorMessage := &ErrorMessage{}
		if err := json.Unmarshal(message, errorMessage); err != nil {
			return nil, err
		}
		return errorMessage, nil
	default:
		return nil, nil
	}
}
