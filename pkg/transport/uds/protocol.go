package uds

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modoterra/nodelog/pkg/config"
	"github.com/modoterra/nodelog/pkg/core"
)

var reqCounter atomic.Uint64

// MsgType identifies the kind of message.
type MsgType string

const (
	MsgTypeReq MsgType = "req"
	MsgTypeRes MsgType = "res"
	MsgTypeEvt MsgType = "evt"
)

// Message is the NDJSON envelope for all communication.
type Message struct {
	Type   MsgType         `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRequest creates a new request message with a unique ID.
func NewRequest(method string, data any) (Message, error) {
	id := fmt.Sprintf("req-%d", reqCounter.Add(1))
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Type:   MsgTypeReq,
		ID:     id,
		Method: method,
		Data:   raw,
	}, nil
}

// NewResponse creates a response to a request.
func NewResponse(reqID, method string, data any) (Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Data:   raw,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(reqID, method, errMsg string) Message {
	return Message{
		Type:   MsgTypeRes,
		ID:     reqID,
		Method: method,
		Error:  errMsg,
	}
}

// NewEvent creates a server-pushed event.
func NewEvent(method string, data any) (Message, error) {
	id := fmt.Sprintf("evt-%d", reqCounter.Add(1))
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		raw = b
	}
	return Message{
		Type:   MsgTypeEvt,
		ID:     id,
		Method: method,
		Data:   raw,
	}, nil
}

// UnmarshalData decodes the message payload into v.
func (m Message) UnmarshalData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Method)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", m.Method, err)
	}
	return nil
}

// Methods
const (
	MethodPing         = "Ping"
	MethodListWorkers  = "ListWorkers"
	MethodGetWorker    = "GetWorker"
	MethodGetWorkerLog = "GetWorkerLog"
	MethodStartWorker  = "StartWorker"
	MethodStopWorker   = "StopWorker"
	MethodAction       = "Action"
	MethodLoadConfig   = "LoadConfig"
	MethodSubscribe    = "Subscribe"
	MethodUnsubscribe  = "Unsubscribe"

	EventWorkersDelta = "workers.delta"
	EventTopicPublish = "topic.publish"
)

// PingResponse is the response to a Ping request.
type PingResponse struct {
	Pong    bool   `json:"pong"`
	Node    string `json:"node,omitempty"`
	Version string `json:"version,omitempty"`
}

// WorkerRequest names a worker (GetWorker, GetWorkerLog, StopWorker).
type WorkerRequest struct {
	ID string `json:"id"`
}

// ListWorkersResponse is the response to ListWorkers.
type ListWorkersResponse struct {
	Workers []core.WorkerInfo `json:"workers"`
}

// WorkerLogResponse is the response to GetWorkerLog.
type WorkerLogResponse struct {
	ID      string          `json:"id"`
	Entries []core.LogEntry `json:"entries"`
}

// StartWorkerRequest registers and starts a worker. An empty ID is
// replaced by a generated one.
type StartWorkerRequest struct {
	ID     string            `json:"id,omitempty"`
	Worker config.WorkerSpec `json:"worker"`
}

// ActionRequest is the payload for an Action request.
type ActionRequest struct {
	WorkerID string `json:"worker_id"`
	Action   string `json:"action"` // start, stop, restart
}

// LoadConfigRequest asks the daemon to load a configuration file.
type LoadConfigRequest struct {
	Path string `json:"path"`
}

// LoadConfigResponse reports the workers registered from a configuration.
type LoadConfigResponse struct {
	Node    string   `json:"node"`
	Workers []string `json:"workers"`
}

// SubscribeRequest is the payload for Subscribe and Unsubscribe.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// SubscribeResponse reports the connection's subscriptions after the change.
type SubscribeResponse struct {
	Topics []string `json:"topics"`
}

// TopicEvent is the payload of a topic.publish event.
type TopicEvent struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// WorkersDelta is the payload of a workers.delta event.
type WorkersDelta struct {
	Added   []core.WorkerInfo `json:"added,omitempty"`
	Updated []core.WorkerInfo `json:"updated,omitempty"`
	Removed []string          `json:"removed,omitempty"`
}
