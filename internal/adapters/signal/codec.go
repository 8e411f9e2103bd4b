package signal

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// SubprotocolMsgpack selects binary frames encoded with msgpack.
const SubprotocolMsgpack = "msgpack"

var errEmptyType = errors.New("message type is required")

// Request is an inbound envelope. Data stays encoded until a handler binds it.
type Request struct {
	Type string
	ID   any
	data []byte
	bind func(data []byte, v any) error
}

// Bind decodes the request payload into v. A missing payload leaves v untouched.
func (r *Request) Bind(v any) error {
	if len(r.data) == 0 {
		return nil
	}
	return r.bind(r.data, v)
}

// Reply is both a response (ID set) and a push (ID empty).
type Reply struct {
	Type  string     `json:"type"`
	ID    any        `json:"id,omitempty"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Codec frames envelopes for one websocket connection.
type Codec interface {
	Name() string
	MessageType() int
	Decode(b []byte) (*Request, error)
	Encode(r Reply) ([]byte, error)
}

func codecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return "json" }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Decode(b []byte) (*Request, error) {
	var env struct {
		Type string          `json:"type"`
		ID   any             `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errEmptyType
	}
	data := []byte(env.Data)
	if bytes.Equal(data, []byte("null")) {
		data = nil
	}
	return &Request{Type: env.Type, ID: env.ID, data: data, bind: json.Unmarshal}, nil
}

func (jsonCodec) Encode(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

// msgpackCodec reuses the json tags so wire field names match in both encodings.
type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return "msgpack" }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) Decode(b []byte) (*Request, error) {
	var env struct {
		Type string             `json:"type"`
		ID   any                `json:"id"`
		Data msgpack.RawMessage `json:"data"`
	}
	if err := msgpackUnmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errEmptyType
	}
	data := []byte(env.Data)
	if len(data) == 1 && data[0] == 0xc0 { // nil
		data = nil
	}
	return &Request{Type: env.Type, ID: env.ID, data: data, bind: msgpackUnmarshal}, nil
}

func (msgpackCodec) Encode(r Reply) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func msgpackUnmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
