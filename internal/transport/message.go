// Package transport relays provider calls between untrusted pages and the
// bridge daemon over a WebSocket.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/walletbridge/pkg/types"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

// Type tags every wire message
type Type string

const (
	TypeRequest  Type = "REQUEST"
	TypeResponse Type = "RESPONSE"
	TypeEvent    Type = "EVENT"
	TypeResume   Type = "RESUME"
)

// Message is one of Request, Response, Event or Resume. The unexported
// method keeps the set closed.
type Message interface {
	messageType() Type
}

// Request is a provider call from a page
type Request struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"requestId"`
	Origin    string          `json:"origin"`
}

// Response answers exactly one Request
type Response struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      int             `json:"code,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
}

// Event is pushed to pages without a request
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Resume asks for the outcome of requests sent on an earlier connection
type Resume struct {
	RequestIDs []string `json:"requestIds"`
}

func (Request) messageType() Type  { return TypeRequest }
func (Response) messageType() Type { return TypeResponse }
func (Event) messageType() Type    { return TypeEvent }
func (Resume) messageType() Type   { return TypeResume }

// ErrUnknownType is returned by Decode for a type outside the closed set
var ErrUnknownType = errors.New("unknown message type")

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses and validates one wire message
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	switch env.Type {
	case TypeRequest:
		var m Request
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if m.RequestID == "" || m.Method == "" || m.Origin == "" {
			return nil, fmt.Errorf("request needs method, requestId and origin")
		}
		if len(m.Params) == 0 || string(m.Params) == "null" {
			m.Params = json.RawMessage("[]")
		}
		if m.Params[0] != '[' {
			return nil, fmt.Errorf("request params must be an array")
		}
		return m, nil

	case TypeResponse:
		var m Response
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid response: %w", err)
		}
		if m.RequestID == "" {
			return nil, fmt.Errorf("response needs requestId")
		}
		return m, nil

	case TypeEvent:
		var m Event
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid event: %w", err)
		}
		if m.Event == "" {
			return nil, fmt.Errorf("event needs a name")
		}
		return m, nil

	case TypeResume:
		var m Resume
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid resume: %w", err)
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// Encode serializes m with its type tag
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Request:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Request
		}{TypeRequest, v})
	case Response:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Response
		}{TypeResponse, v})
	case Event:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Event
		}{TypeEvent, v})
	case Resume:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Resume
		}{TypeResume, v})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
}

// Result builds a successful Response carrying data
func Result(requestID string, data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure(requestID, fmt.Errorf("failed to encode result: %w", err))
	}
	return Response{RequestID: requestID, Success: true, Data: raw}
}

// Failure builds an error Response. Only the normalized code and message
// of err cross the wire.
func Failure(requestID string, err error) Response {
	e := apperrors.Normalize(err)
	if e == nil {
		e = apperrors.Normalize(apperrors.ErrInternalError)
	}
	return Response{
		RequestID: requestID,
		Error:     e.Message,
		Code:      e.RPCCode,
		ErrorCode: e.Code,
	}
}

// Err turns a failed Response back into an AppError
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return apperrors.New(r.ErrorCode, r.Error, r.Code)
}

// NewEvent builds an Event with data marshalled as its payload
func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode event: %w", err)
	}
	return Event{Event: name, Data: raw}, nil
}

// AccountsChangedData is the ACCOUNTS_CHANGED payload
type AccountsChangedData struct {
	Accounts []common.Address `json:"accounts"`
}

// ChainChangedData is the CHAIN_CHANGED payload; ChainID is 0x hex
type ChainChangedData struct {
	ChainID string `json:"chainId"`
}

// AccountsChanged builds ACCOUNTS_CHANGED. A nil list goes out as [].
func AccountsChanged(accounts []common.Address) Event {
	if accounts == nil {
		accounts = []common.Address{}
	}
	return fixedEvent(types.EventAccountsChanged, AccountsChangedData{Accounts: accounts})
}

// ChainChanged builds CHAIN_CHANGED for a 0x hex chain id
func ChainChanged(chainID string) Event {
	return fixedEvent(types.EventChainChanged, ChainChangedData{ChainID: chainID})
}

// Disconnect builds DISCONNECT with an empty object payload
func Disconnect() Event {
	return fixedEvent(types.EventDisconnect, struct{}{})
}

// fixedEvent is for payloads whose encoding cannot fail
func fixedEvent(name string, data any) Event {
	ev, err := NewEvent(name, data)
	if err != nil {
		panic(err)
	}
	return ev
}
