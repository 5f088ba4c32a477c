// Package rpc implements a JSON-RPC 2.0 API for querying a running
// validator node, adapted from the teacher's full wallet/chain JSON-RPC
// server down to the handful of read-only methods the validator core (A6)
// needs to expose: this node's validator status, the chain head, and its
// network connectivity.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/chainface"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/orchestrator"
	"github.com/Klingon-tech/klingnet-chain/internal/vnetwork"
	"github.com/rs/zerolog"
)

// maxBodySize bounds a JSON-RPC request body, matching the teacher's limit.
const maxBodySize = 1 << 20

// Server is a minimal JSON-RPC 2.0 HTTP server over a validator's runtime
// state: no wallet, UTXO, or token endpoints, since the validator core owns
// none of that state (§1 non-goal).
type Server struct {
	addr  string
	chain chainface.Facade
	orch  *orchestrator.Orchestrator
	net   *vnetwork.Network

	server *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// New constructs a Server. net may be nil if the validator network
// transport is disabled, in which case network_getInfo reports zero peers.
func New(addr string, chain chainface.Facade, orch *orchestrator.Orchestrator, net *vnetwork.Network) *Server {
	s := &Server{
		addr:   addr,
		chain:  chain,
		orch:   orch,
		net:    net,
		logger: klog.WithComponent("rpc"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening and serving in a background goroutine, returning
// as soon as the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, `jsonrpc must be "2.0"`)
		return
	}

	result, rpcErr := s.dispatch(&req)
	if rpcErr != nil {
		writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}
	writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *Server) dispatch(req *Request) (interface{}, *Error) {
	switch req.Method {
	case "validator_getStatus":
		return s.handleValidatorGetStatus()
	case "chain_getHead":
		return s.handleChainGetHead()
	case "network_getInfo":
		return s.handleNetworkGetInfo()
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (s *Server) handleValidatorGetStatus() (interface{}, *Error) {
	state := s.orch.State()
	return &ValidatorStatusResult{
		Status:     state.Status.String(),
		SlotIndex:  state.SlotIndex,
		SlotCount:  state.SlotCount,
		ViewNumber: state.ViewNumber,
	}, nil
}

func (s *Server) handleChainGetHead() (interface{}, *Error) {
	return &ChainHeadResult{
		BlockNumber: s.chain.BlockNumber(),
		ViewNumber:  s.chain.ViewNumber(),
		Hash:        s.chain.HeadHash().String(),
	}, nil
}

func (s *Server) handleNetworkGetInfo() (interface{}, *Error) {
	if s.net == nil {
		return &NetworkInfoResult{}, nil
	}
	return &NetworkInfoResult{
		PeerID:    s.net.ID().String(),
		PeerCount: s.net.PeerCount(),
	}, nil
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id})
}
