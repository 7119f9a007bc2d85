package controlplane

import "github.com/hellas-ai/gate/internal/gateerr"

// RegisterRequest is sent by the daemon to claim (or reclaim) its assigned
// domain. When non-empty, RequestedShortHex must equal the caller's own
// NodeID short_hex; an empty value is accepted, and Client.Register always
// sends it empty. The relay never trusts a NodeId claimed in a payload, only
// the one derived from the authenticated P2P connection.
type RegisterRequest struct {
	Capabilities       []string `json:"caps"`
	RequestedShortHex  string   `json:"requested_short_hex"`
}

// RegisteredResponse is Register's success response.
type RegisteredResponse struct {
	FQDN       string `json:"fqdn"`
	AssignedAt int64  `json:"assigned_at"`
}

// DeregisterRequest carries no fields.
type DeregisterRequest struct{}

// HeartbeatRequest carries no fields.
type HeartbeatRequest struct{}

// CreateDnsChallengeRequest is §6's CreateDnsChallenge request.
type CreateDnsChallengeRequest struct {
	Domain     string `json:"domain"`
	TxtValue   string `json:"txt_value"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// CheckDnsPropagationRequest is §6's CheckDnsPropagation request.
type CheckDnsPropagationRequest struct {
	Domain         string `json:"domain"`
	ExpectedValue  string `json:"expected_value"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CleanupDnsChallengeRequest is §6's CleanupDnsChallenge request.
type CleanupDnsChallengeRequest struct {
	Domain   string `json:"domain"`
	RecordID string `json:"record_id,omitempty"`
}

// GetRateLimitRequest carries no fields.
type GetRateLimitRequest struct{}

// StreamProgress is a non-terminal item in a streaming RPC response.
type StreamProgress struct {
	Stage            string `json:"stage"`
	Message          string `json:"message,omitempty"`
	EtaSeconds       int    `json:"eta,omitempty"`
	Attempt          int    `json:"attempt,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	NextCheckSeconds int    `json:"next_check_s,omitempty"`
}

// ChallengeComplete is CreateDnsChallenge's terminal success item.
type ChallengeComplete struct {
	RecordID                   string `json:"record_id"`
	PropagationEstimateSeconds int    `json:"propagation_estimate_seconds"`
	Verified                   bool   `json:"verified"`
}

// PropagationComplete is CheckDnsPropagation's terminal success item.
type PropagationComplete struct {
	Propagated     bool `json:"propagated"`
	TotalAttempts  int  `json:"total_attempts"`
	ElapsedSeconds int  `json:"elapsed_seconds"`
}

// CleanupSuccess is CleanupDnsChallenge's (always-success) response.
type CleanupSuccess struct {
	RecordsRemoved int `json:"records_removed"`
}

// RateLimitResponse is GetRateLimit's response.
type RateLimitResponse struct {
	MaxConcurrent   int   `json:"max_concurrent"`
	CurrentCount    int   `json:"current_count"`
	RequestsPerHour int   `json:"requests_per_hour"`
	RequestsUsed    int   `json:"requests_used"`
	ResetTimestamp  int64 `json:"reset_ts"`
}

// ErrorMessage is the wire shape of a gateerr.Error.
type ErrorMessage struct {
	Code    gateerr.Code `json:"code"`
	Message string       `json:"message"`
}

func errorMessage(err *gateerr.Error) ErrorMessage {
	return ErrorMessage{Code: err.Code, Message: err.Message}
}

func (m ErrorMessage) toError() *gateerr.Error {
	return &gateerr.Error{Code: m.Code, Message: m.Message}
}
