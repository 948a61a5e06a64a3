// Aegis Core - Moving Target Defense Gateway
// Copyright (C) 2025 Lotargo
//
// This file is part of Aegis Core.
//
// Aegis Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Aegis Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Aegis Core. If not, see <https://www.gnu.org/licenses/>.

// Package rpc defines the Aegis control-plane contract between Core-A and
// Core-B: the Gateway gRPC service (HealthCheck, Process) and its message
// shapes. Messages travel through the registered JSON codec, so the wire
// form is stable without generated bindings.
package rpc

// ServingStatus mirrors the gRPC health-check convention.
type ServingStatus int32

const (
	StatusUnknown ServingStatus = iota
	StatusServing
	StatusNotServing
)

// String returns the canonical name of the status.
func (s ServingStatus) String() string {
	switch s {
	case StatusServing:
		return "SERVING"
	case StatusNotServing:
		return "NOT_SERVING"
	default:
		return "UNKNOWN"
	}
}

// HealthCheckRequest probes Core-B readiness. It carries no fields.
type HealthCheckRequest struct{}

// HealthCheckResponse reports whether Core-B is accepting Process calls.
type HealthCheckResponse struct {
	Status ServingStatus `json:"status"`
}

// ProcessRequest carries one encrypted client request from Core-A to Core-B.
//
// EncryptedPayload is a sealed envelope (nonce || ciphertext || tag) whose
// plaintext is a message.Request. PublicKey is the sender's PEM public key
// and doubles as the session identifier on Core-B. Metadata travels in
// cleartext but is bound into the envelope as associated data, so it cannot
// be swapped in flight.
type ProcessRequest struct {
	EncryptedPayload []byte            `json:"encrypted_payload"`
	PublicKey        []byte            `json:"public_key"`
	Metadata         map[string]string `json:"metadata"`
}

// ProcessResponse carries the encrypted origin response back to Core-A.
//
// FakeHTTPStatus is the deception field: a randomized outer status that a
// passive observer might mistake for the real one. Core-A never consults it;
// the authoritative status lives inside EncryptedPayload.
type ProcessResponse struct {
	FakeHTTPStatus   uint32            `json:"fake_http_status"`
	EncryptedPayload []byte            `json:"encrypted_payload"`
	Metadata         map[string]string `json:"metadata"`
}
