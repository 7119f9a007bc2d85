package controlplane

import (
	"context"
	"fmt"

	"github.com/hellas-ai/gate/internal/dnsbroker"
	"github.com/hellas-ai/gate/internal/gateerr"
)

// Client issues control-plane RPCs to a relay over a single stream, used by
// the daemon-side tlsforward driver. A Client is not safe for concurrent use
// by multiple goroutines — callers needing concurrent RPCs should open
// multiple streams, each with its own Client.
type Client struct {
	stream Stream
}

// NewClient wraps an already-open bidirectional control stream.
func NewClient(stream Stream) *Client {
	return &Client{stream: stream}
}

func readTerminal(stream Stream) (Frame, error) {
	frame, err := ReadFrame(stream)
	if err != nil {
		return Frame{}, err
	}
	if frame.Type == TypeStreamError {
		var msg ErrorMessage
		if err := frame.Decode(&msg); err != nil {
			return Frame{}, fmt.Errorf("controlplane: decoding error frame: %w", err)
		}
		return Frame{}, msg.toError()
	}
	return frame, nil
}

// Register claims (or reclaims) this node's assigned domain.
func (c *Client) Register(caps []string) (RegisteredResponse, error) {
	if err := WriteFrame(c.stream, TypeRegister, RegisterRequest{Capabilities: caps}); err != nil {
		return RegisteredResponse{}, err
	}
	frame, err := readTerminal(c.stream)
	if err != nil {
		return RegisteredResponse{}, err
	}
	var resp RegisteredResponse
	if err := frame.Decode(&resp); err != nil {
		return RegisteredResponse{}, fmt.Errorf("controlplane: decoding register response: %w", err)
	}
	return resp, nil
}

// Deregister releases this node's assigned domain, waiting up to ctx's
// deadline for the relay's acknowledgement before giving up.
func (c *Client) Deregister(ctx context.Context) error {
	if err := WriteFrame(c.stream, TypeDeregister, DeregisterRequest{}); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := readTerminal(c.stream)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Heartbeat refreshes this node's registration.
func (c *Client) Heartbeat() error {
	if err := WriteFrame(c.stream, TypeHeartbeat, HeartbeatRequest{}); err != nil {
		return err
	}
	_, err := readTerminal(c.stream)
	return err
}

// CreateDnsChallenge mirrors dnsbroker.Broker.CreateDnsChallenge over the
// wire, replaying the relay's streamed Progress/terminal frames onto a
// dnsbroker.Item[ChallengeResult] channel so callers can treat a local
// broker and a remote relay identically.
func (c *Client) CreateDnsChallenge(ctx context.Context, domain, txtValue string, ttlSeconds int) <-chan dnsbroker.Item[dnsbroker.ChallengeResult] {
	out := make(chan dnsbroker.Item[dnsbroker.ChallengeResult], 8)
	go func() {
		defer close(out)
		if err := WriteFrame(c.stream, TypeCreateDnsChallenge, CreateDnsChallengeRequest{
			Domain: domain, TxtValue: txtValue, TTLSeconds: ttlSeconds,
		}); err != nil {
			out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: asGateErr(err)}
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			frame, err := ReadFrame(c.stream)
			if err != nil {
				out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: asGateErr(err)}
				return
			}
			switch frame.Type {
			case TypeStreamProgress:
				var p StreamProgress
				if err := frame.Decode(&p); err != nil {
					out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: asGateErr(err)}
					return
				}
				out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Progress: fromWireProgress(p)}
			case TypeStreamComplete:
				var res ChallengeComplete
				if err := frame.Decode(&res); err != nil {
					out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: asGateErr(err)}
					return
				}
				out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Result: &dnsbroker.ChallengeResult{
					RecordID: res.RecordID, PropagationEstimateSeconds: res.PropagationEstimateSeconds, Verified: res.Verified,
				}}
				return
			case TypeStreamError:
				var msg ErrorMessage
				if err := frame.Decode(&msg); err != nil {
					out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: asGateErr(err)}
					return
				}
				out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: msg.toError()}
				return
			default:
				out <- dnsbroker.Item[dnsbroker.ChallengeResult]{Err: asGateErr(fmt.Errorf("unexpected frame type %d", frame.Type))}
				return
			}
		}
	}()
	return out
}

// CheckDnsPropagation is CheckDnsPropagation's client-side counterpart.
func (c *Client) CheckDnsPropagation(ctx context.Context, domain, expectedValue string, timeoutSeconds int) <-chan dnsbroker.Item[dnsbroker.PropagationResult] {
	out := make(chan dnsbroker.Item[dnsbroker.PropagationResult], 8)
	go func() {
		defer close(out)
		if err := WriteFrame(c.stream, TypeCheckDnsPropagation, CheckDnsPropagationRequest{
			Domain: domain, ExpectedValue: expectedValue, TimeoutSeconds: timeoutSeconds,
		}); err != nil {
			out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: asGateErr(err)}
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			frame, err := ReadFrame(c.stream)
			if err != nil {
				out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: asGateErr(err)}
				return
			}
			switch frame.Type {
			case TypeStreamProgress:
				var p StreamProgress
				if err := frame.Decode(&p); err != nil {
					out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: asGateErr(err)}
					return
				}
				out <- dnsbroker.Item[dnsbroker.PropagationResult]{Progress: fromWireProgress(p)}
			case TypeStreamComplete:
				var res PropagationComplete
				if err := frame.Decode(&res); err != nil {
					out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: asGateErr(err)}
					return
				}
				out <- dnsbroker.Item[dnsbroker.PropagationResult]{Result: &dnsbroker.PropagationResult{
					Propagated: res.Propagated, TotalAttempts: res.TotalAttempts, ElapsedSeconds: res.ElapsedSeconds,
				}}
				return
			case TypeStreamError:
				var msg ErrorMessage
				if err := frame.Decode(&msg); err != nil {
					out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: asGateErr(err)}
					return
				}
				out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: msg.toError()}
				return
			default:
				out <- dnsbroker.Item[dnsbroker.PropagationResult]{Err: asGateErr(fmt.Errorf("unexpected frame type %d", frame.Type))}
				return
			}
		}
	}()
	return out
}

// CleanupDnsChallenge is CleanupDnsChallenge's client-side counterpart. Like
// the broker it wraps, it never returns an error — cleanup is best-effort.
func (c *Client) CleanupDnsChallenge(domain, recordID string) dnsbroker.CleanupResult {
	if err := WriteFrame(c.stream, TypeCleanupDnsChallenge, CleanupDnsChallengeRequest{Domain: domain, RecordID: recordID}); err != nil {
		return dnsbroker.CleanupResult{}
	}
	frame, err := ReadFrame(c.stream)
	if err != nil {
		return dnsbroker.CleanupResult{}
	}
	var res CleanupSuccess
	if err := frame.Decode(&res); err != nil {
		return dnsbroker.CleanupResult{}
	}
	return dnsbroker.CleanupResult{RecordsRemoved: res.RecordsRemoved}
}

// GetRateLimit fetches the relay's current rate-limit snapshot.
func (c *Client) GetRateLimit() (dnsbroker.RateLimit, error) {
	if err := WriteFrame(c.stream, TypeGetRateLimit, GetRateLimitRequest{}); err != nil {
		return dnsbroker.RateLimit{}, err
	}
	frame, err := readTerminal(c.stream)
	if err != nil {
		return dnsbroker.RateLimit{}, err
	}
	var resp RateLimitResponse
	if err := frame.Decode(&resp); err != nil {
		return dnsbroker.RateLimit{}, fmt.Errorf("controlplane: decoding rate limit response: %w", err)
	}
	return dnsbroker.RateLimit{
		MaxConcurrent: resp.MaxConcurrent, CurrentCount: resp.CurrentCount,
		RequestsPerHour: resp.RequestsPerHour, RequestsUsed: resp.RequestsUsed,
		ResetTimestamp: resp.ResetTimestamp,
	}, nil
}

func fromWireProgress(p StreamProgress) *dnsbroker.Progress {
	return &dnsbroker.Progress{
		Stage: p.Stage, Message: p.Message, EtaSeconds: p.EtaSeconds,
		Attempt: p.Attempt, MaxAttempts: p.MaxAttempts, NextCheckSeconds: p.NextCheckSeconds,
	}
}

func asGateErr(err error) *gateerr.Error {
	return gateerr.Wrap(gateerr.Internal, err)
}
