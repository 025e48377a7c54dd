package ws

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/metrics"
)

type rpcMethodParams struct {
	Method string `json:"method"`
}

type rpcCallParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"` // opaque ciphertext, forwarded as-is
}

type rpcRequestPayload struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleRPCRegister binds a method name to this socket. Registrations are
// per account and die with the socket.
func (h *Handler) handleRPCRegister(c *client, frame inboundFrame) {
	var p rpcMethodParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Method == "" {
		_ = c.SendEvent("rpc-error", errorPayload{Message: "Invalid method"})
		return
	}

	h.registry.Register(c.route.AccountID, p.Method, c.Conn)
	_ = c.SendEvent("rpc-registered", map[string]string{"method": p.Method})
	c.reply(frame, map[string]string{"result": "success"})
}

// handleRPCUnregister removes the binding if this socket still owns it.
func (h *Handler) handleRPCUnregister(c *client, frame inboundFrame) {
	var p rpcMethodParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Method == "" {
		_ = c.SendEvent("rpc-error", errorPayload{Message: "Invalid method"})
		return
	}

	h.registry.Unregister(c.route.AccountID, p.Method, c.Conn)
	_ = c.SendEvent("rpc-unregistered", map[string]string{"method": p.Method})
	c.reply(frame, map[string]string{"result": "success"})
}

// handleRPCCall forwards a call to the socket that registered the method
// and relays the ack back to the caller. The params blob is never
// inspected. The reply deadline is enforced here, server-side, so a dead
// target cannot hold the caller past the timeout.
func (h *Handler) handleRPCCall(c *client, frame inboundFrame) {
	var p rpcCallParams
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Method == "" {
		metrics.RPCCalls.WithLabelValues("error").Inc()
		c.reply(frame, callResult{OK: false, Error: "RPC method not available"})
		return
	}

	peer, ok := h.registry.Lookup(c.route.AccountID, p.Method)
	if !ok {
		metrics.RPCCalls.WithLabelValues("unavailable").Inc()
		c.reply(frame, callResult{OK: false, Error: "RPC method not available"})
		return
	}
	target, ok := peer.(*Conn)
	if !ok {
		metrics.RPCCalls.WithLabelValues("error").Inc()
		c.reply(frame, callResult{OK: false, Error: "RPC method not available"})
		return
	}
	if target == c.Conn {
		metrics.RPCCalls.WithLabelValues("self_call").Inc()
		c.reply(frame, callResult{OK: false, Error: "Cannot call RPC on the same socket"})
		return
	}

	// The wait can last the full timeout; run it off the read loop so the
	// caller's socket keeps processing frames meanwhile.
	go func() {
		result, err := target.EmitWithAck("rpc-request",
			rpcRequestPayload{Method: p.Method, Params: p.Params}, h.rpcTimeout)
		if err != nil {
			outcome := "error"
			if errors.Is(err, ErrAckTimeout) {
				outcome = "timeout"
			}
			metrics.RPCCalls.WithLabelValues(outcome).Inc()
			h.logger.Debug("rpc call failed",
				zap.String("method", p.Method), zap.Error(err))
			c.reply(frame, callResult{OK: false, Error: "RPC call failed"})
			return
		}

		metrics.RPCCalls.WithLabelValues("ok").Inc()
		c.reply(frame, callResult{OK: true, Result: result})
	}()
}
