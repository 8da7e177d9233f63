package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Payload is serialized as the array [request_id, method, params, ts].
// Signatures cover Keccak256 of that serialization.
type Payload struct {
	RequestID uint64
	Method    string
	Params    Params
	// Timestamp is in Unix milliseconds.
	Timestamp uint64
}

func NewPayload(id uint64, method string, params Params) Payload {
	if params == nil {
		params = Params{}
	}
	return Payload{
		RequestID: id,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// Hash returns the digest signed by requesters and by the node.
func (p Payload) Hash() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.RequestID, p.Method, p.Params, p.Timestamp})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("payload must be an array: %w", err)
	}
	if len(raw) != 4 {
		return errors.New("payload must have 4 elements")
	}

	if err := json.Unmarshal(raw[0], &p.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if err := json.Unmarshal(raw[2], &p.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(raw[3], &p.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}

// Params is the params object of a payload, kept raw until a handler
// translates it into its request type.
type Params map[string]json.RawMessage

// NewParams converts any JSON object value into Params.
func NewParams(v any) (Params, error) {
	if v == nil {
		return Params{}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error marshalling params: %w", err)
	}
	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("error unmarshalling params: %w", err)
	}
	return params, nil
}

// Translate decodes the params into v.
func (p Params) Translate(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshalling params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling params: %w", err)
	}
	return nil
}

// Error returns the error carried by an error payload, or nil.
func (p Params) Error() error {
	raw, ok := p[errorParamKey]
	if !ok {
		return nil
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return errors.New(msg)
}
