// Package message defines the plaintext payloads carried inside Aegis
// envelopes and the canonical encoding of the cleartext metadata bound as
// AEAD associated data.
package message

import (
	"encoding/json"
	"fmt"
)

// Request is the inner plaintext of a proxied call: the full routing
// information Core-A hides from the inter-node channel. Body is raw bytes
// (base64 in the JSON encoding) so binary payloads survive intact.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Response is the inner plaintext of the origin's answer.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

// EncodeRequest serializes a Request for sealing.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request payload: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a decrypted request payload. A payload without method
// or path carries no routing information and is rejected.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request payload: %w", err)
	}
	if req.Method == "" || req.Path == "" {
		return nil, fmt.Errorf("request payload missing routing information")
	}
	return &req, nil
}

// EncodeResponse serializes a Response for sealing.
func EncodeResponse(res *Response) ([]byte, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode response payload: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a decrypted response payload.
func DecodeResponse(data []byte) (*Response, error) {
	var res Response
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode response payload: %w", err)
	}
	return &res, nil
}

// CanonicalMetadata encodes the cleartext metadata map as the AEAD associated
// data: compact UTF-8 JSON with keys in lexicographic order. Both nodes must
// call this exact function wherever associated data is computed; encoding/json
// sorts map keys and emits no insignificant whitespace, which makes the output
// byte-identical for equal maps. A nil map encodes the same as an empty one.
func CanonicalMetadata(md map[string]string) []byte {
	if md == nil {
		md = map[string]string{}
	}
	// Marshal of map[string]string cannot fail.
	data, _ := json.Marshal(md)
	return data
}
