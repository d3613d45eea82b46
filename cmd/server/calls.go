package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"wavelink/internal/logging"
	"wavelink/pkg/protocol"
)

// Call signaling rides the same push path as chat events: each endpoint
// republishes its body to the callee's user channel as a webrtc-* event.
// The server never interprets SDP or candidate payloads.

type callStartRequest struct {
	To         string `json:"to" binding:"required"`
	SDP        any    `json:"sdp" binding:"required"`
	From       string `json:"from" binding:"required"`
	FromName   string `json:"fromName"`
	FromAvatar string `json:"fromAvatar"`
	CallType   string `json:"callType"`
}

type callAnswerRequest struct {
	To   string `json:"to" binding:"required"`
	SDP  any    `json:"sdp" binding:"required"`
	From string `json:"from" binding:"required"`
}

type callCandidateRequest struct {
	To        string `json:"to" binding:"required"`
	Candidate any    `json:"candidate" binding:"required"`
	From      string `json:"from" binding:"required"`
}

type callEndRequest struct {
	To     string `json:"to" binding:"required"`
	From   string `json:"from" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func validEndReason(reason string) bool {
	switch reason {
	case protocol.ReasonDeclined, protocol.ReasonEnded, protocol.ReasonCancelled, protocol.ReasonTimeout:
		return true
	}
	return false
}

func (s *Server) relaySignal(c *gin.Context, to, eventType string, data map[string]any) {
	event := protocol.NewEvent(eventType, data)
	if err := s.publisher.PublishToUser(c.Request.Context(), to, event); err != nil {
		logging.Error().Err(err).Str("event_type", eventType).Msg("signal relay failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "signal not delivered"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) handleCallStart(c *gin.Context) {
	var req callStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.relaySignal(c, req.To, protocol.EventOffer, map[string]any{
		"sdp":        req.SDP,
		"from":       req.From,
		"fromName":   req.FromName,
		"fromAvatar": req.FromAvatar,
		"callType":   req.CallType,
	})
}

func (s *Server) handleCallAnswer(c *gin.Context) {
	var req callAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.relaySignal(c, req.To, protocol.EventAnswer, map[string]any{
		"sdp":  req.SDP,
		"from": req.From,
	})
}

func (s *Server) handleCallCandidate(c *gin.Context) {
	var req callCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.relaySignal(c, req.To, protocol.EventCandidate, map[string]any{
		"candidate": req.Candidate,
		"from":      req.From,
	})
}

func (s *Server) handleCallEnd(c *gin.Context) {
	var req callEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validEndReason(req.Reason) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reason: " + req.Reason})
		return
	}

	s.relaySignal(c, req.To, protocol.EventCallEnd, map[string]any{
		"from":   req.From,
		"reason": req.Reason,
	})
}
