package controlplane

import (
	"context"
	"io"
	"log"

	"github.com/hellas-ai/gate/internal/dnsbroker"
	"github.com/hellas-ai/gate/internal/gateerr"
	"github.com/hellas-ai/gate/internal/identity"
	"github.com/hellas-ai/gate/internal/registry"
)

// Stream is the minimal surface Server/Client need from a P2P bidirectional
// stream.
type Stream interface {
	io.Reader
	io.Writer
}

// Server handles one control-plane stream's worth of RPCs on behalf of the
// relay. The caller's NodeID must already be authenticated by the P2P
// layer (derived from the QUIC peer certificate) before HandleStream is
// invoked — the server never trusts a NodeId field in a request body.
type Server struct {
	Registry *registry.Registry
	Broker   *dnsbroker.Broker
	Logger   *log.Logger
}

// HandleStream services RPCs on one stream until it errors or the peer
// closes it. caller is the authenticated NodeID of the peer on the other
// end of this stream.
func (s *Server) HandleStream(ctx context.Context, caller identity.NodeID, stream Stream) error {
	for {
		frame, err := ReadFrame(stream)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, caller, stream, frame); err != nil {
			s.logf("controlplane: dispatch error from %s: %v", caller, err)
		}
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (s *Server) dispatch(ctx context.Context, caller identity.NodeID, stream Stream, frame Frame) error {
	switch frame.Type {
	case TypeRegister:
		return s.handleRegister(caller, stream, frame)
	case TypeDeregister:
		s.Registry.Unregister(caller)
		return WriteFrame(stream, TypeAck, struct{}{})
	case TypeHeartbeat:
		return s.handleHeartbeat(caller, stream)
	case TypeCreateDnsChallenge:
		return s.handleCreateDnsChallenge(ctx, caller, stream, frame)
	case TypeCheckDnsPropagation:
		return s.handleCheckDnsPropagation(ctx, caller, stream, frame)
	case TypeCleanupDnsChallenge:
		return s.handleCleanupDnsChallenge(ctx, caller, stream, frame)
	case TypeGetRateLimit:
		return s.handleGetRateLimit(stream)
	default:
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.InvalidArgument, "unknown message type %d", frame.Type)))
	}
}

func (s *Server) handleRegister(caller identity.NodeID, stream Stream, frame Frame) error {
	var req RegisterRequest
	if err := frame.Decode(&req); err != nil {
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.InvalidArgument, "bad register request: %v", err)))
	}
	if req.RequestedShortHex != "" && req.RequestedShortHex != caller.ShortHex() {
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.PermissionDenied, "requested short_hex does not match authenticated identity")))
	}

	assigned := s.Registry.Register(caller)
	return WriteFrame(stream, TypeRegistered, RegisteredResponse{
		FQDN:       assigned.FQDN,
		AssignedAt: assigned.AssignedAt.Unix(),
	})
}

func (s *Server) handleHeartbeat(caller identity.NodeID, stream Stream) error {
	if _, ok := s.Registry.LookupByPeer(caller); !ok {
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.NotFound, "peer not registered")))
	}
	s.Registry.Heartbeat(caller)
	return WriteFrame(stream, TypeAck, struct{}{})
}

func (s *Server) handleCreateDnsChallenge(ctx context.Context, caller identity.NodeID, stream Stream, frame Frame) error {
	var req CreateDnsChallengeRequest
	if err := frame.Decode(&req); err != nil {
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.InvalidArgument, "bad request: %v", err)))
	}

	items := s.Broker.CreateDnsChallenge(ctx, caller, req.Domain, req.TxtValue, req.TTLSeconds)
	for item := range items {
		switch {
		case item.Progress != nil:
			if err := WriteFrame(stream, TypeStreamProgress, toWireProgress(item.Progress)); err != nil {
				return err
			}
		case item.Result != nil:
			return WriteFrame(stream, TypeStreamComplete, ChallengeComplete{
				RecordID:                   item.Result.RecordID,
				PropagationEstimateSeconds: item.Result.PropagationEstimateSeconds,
				Verified:                   item.Result.Verified,
			})
		case item.Err != nil:
			return WriteFrame(stream, TypeStreamError, errorMessage(item.Err))
		}
	}
	return nil
}

func (s *Server) handleCheckDnsPropagation(ctx context.Context, caller identity.NodeID, stream Stream, frame Frame) error {
	var req CheckDnsPropagationRequest
	if err := frame.Decode(&req); err != nil {
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.InvalidArgument, "bad request: %v", err)))
	}

	items := s.Broker.CheckDnsPropagation(ctx, caller, req.Domain, req.ExpectedValue, req.TimeoutSeconds)
	for item := range items {
		switch {
		case item.Progress != nil:
			if err := WriteFrame(stream, TypeStreamProgress, toWireProgress(item.Progress)); err != nil {
				return err
			}
		case item.Result != nil:
			return WriteFrame(stream, TypeStreamComplete, PropagationComplete{
				Propagated:     item.Result.Propagated,
				TotalAttempts:  item.Result.TotalAttempts,
				ElapsedSeconds: item.Result.ElapsedSeconds,
			})
		case item.Err != nil:
			return WriteFrame(stream, TypeStreamError, errorMessage(item.Err))
		}
	}
	return nil
}

func (s *Server) handleCleanupDnsChallenge(ctx context.Context, caller identity.NodeID, stream Stream, frame Frame) error {
	var req CleanupDnsChallengeRequest
	if err := frame.Decode(&req); err != nil {
		return WriteFrame(stream, TypeStreamError, errorMessage(gateerr.New(gateerr.InvalidArgument, "bad request: %v", err)))
	}
	result := s.Broker.CleanupDnsChallenge(ctx, caller, req.Domain, req.RecordID)
	return WriteFrame(stream, TypeStreamComplete, CleanupSuccess{RecordsRemoved: result.RecordsRemoved})
}

func (s *Server) handleGetRateLimit(stream Stream) error {
	rl := s.Broker.GetRateLimit()
	return WriteFrame(stream, TypeStreamComplete, RateLimitResponse{
		MaxConcurrent:   rl.MaxConcurrent,
		CurrentCount:    rl.CurrentCount,
		RequestsPerHour: rl.RequestsPerHour,
		RequestsUsed:    rl.RequestsUsed,
		ResetTimestamp:  rl.ResetTimestamp,
	})
}

func toWireProgress(p *dnsbroker.Progress) StreamProgress {
	return StreamProgress{
		Stage: p.Stage, Message: p.Message, EtaSeconds: p.EtaSeconds,
		Attempt: p.Attempt, MaxAttempts: p.MaxAttempts, NextCheckSeconds: p.NextCheckSeconds,
	}
}
