// Package rpc exposes the orchestrator over JSON-RPC for ingress and other
// internal clients.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/service"
	v1 "github.com/xiaot623/gogo/internal/transport/http/v1"
)

// Server accepts JSON-RPC connections.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *slog.Logger
	ready     chan struct{}
	done      chan struct{}
}

// NewServer creates a server bound to the orchestrator service.
func NewServer(svc *service.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Orchestrator", &Handler{service: svc}); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}
	return &Server{
		rpcServer: rpcServer,
		logger:    logger.With("component", "rpc"),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	close(s.ready)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", "error", err)
			continue
		}
		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.ready:
	default:
		return nil
	}
	if err := s.listener.Close(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Orchestrator RPC methods.
type Handler struct {
	service *service.Service
}

// ExecutionArgs identifies an execution.
type ExecutionArgs struct {
	ExecutionID string `json:"execution_id"`
}

// CancelArgs identifies an execution to cancel.
type CancelArgs struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// ResolveArgs wraps an interrupt ID with the decision.
type ResolveArgs struct {
	InterruptID string                         `json:"interrupt_id"`
	Request     domain.ResolveInterruptRequest `json:"request"`
}

// ToolCallResultArgs wraps a tool call ID with the client's result.
type ToolCallResultArgs struct {
	ToolCallID string                       `json:"tool_call_id"`
	Request    domain.ToolCallResultRequest `json:"request"`
}

// StartExecution starts an execution.
func (h *Handler) StartExecution(req *domain.StartExecutionRequest, resp *domain.StartExecutionResponse) error {
	if req == nil {
		return errors.New("start request is required")
	}
	result, err := h.service.StartExecution(context.Background(), *req)
	if err != nil {
		return err
	}
	*resp = *result
	return nil
}

// GetExecution returns an execution's current state.
func (h *Handler) GetExecution(req *ExecutionArgs, resp *domain.Execution) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	exec, err := h.service.GetExecutionStatus(context.Background(), req.ExecutionID)
	if err != nil {
		return err
	}
	*resp = *exec
	return nil
}

// CancelExecution cancels an execution and its descendants.
func (h *Handler) CancelExecution(req *CancelArgs, resp *domain.Execution) error {
	if req == nil || req.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	exec, err := h.service.CancelExecution(context.Background(), req.ExecutionID, req.Reason)
	if err != nil {
		return err
	}
	*resp = *exec
	return nil
}

// ResolveInterrupt records a human decision.
func (h *Handler) ResolveInterrupt(req *ResolveArgs, resp *domain.Interrupt) error {
	if req == nil || req.InterruptID == "" {
		return errors.New("interrupt_id is required")
	}
	decision := v1.NormalizeDecision(string(req.Request.Decision))
	if decision == "" {
		return errors.New("decision must be approve or reject")
	}
	req.Request.Decision = decision
	it, err := h.service.ResolveInterrupt(context.Background(), req.InterruptID, req.Request)
	if err != nil {
		return err
	}
	*resp = *it
	return nil
}

// SubmitToolResult records the outcome of a client-side tool call.
func (h *Handler) SubmitToolResult(req *ToolCallResultArgs, resp *domain.ToolCallResultResponse) error {
	if req == nil || req.ToolCallID == "" {
		return errors.New("tool_call_id is required")
	}
	result, err := h.service.SubmitToolResult(context.Background(), req.ToolCallID, req.Request)
	if err != nil {
		return err
	}
	*resp = *result
	return nil
}
