// Package api exposes the read-only JSON routes described in spec §6:
// by-user lookup, stuck-packet listing, single-packet lookup, and
// channel-congestion aggregation. Routing itself is intentionally
// thin — the spec treats it as a trivial collaborator — but it is wired
// through gin (as codeready-toolchain-tarsy and the
// strangelove-ventures/noble-cctp-relayer manifest both route their JSON
// APIs) rather than bare net/http, per the instruction to keep using a
// real router from the pack.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainpulse/chainpulse/internal/auth"
	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/storage"
)

// Server wires the read API's routes onto a gin.Engine.
type Server struct {
	store          storage.Store
	verifier       *auth.Verifier // nil when api.require_auth=false
	stuckThreshold time.Duration  // default min_age_seconds for stuck/congestion queries
	engine         *gin.Engine
}

func New(store storage.Store, verifier *auth.Verifier, stuckThreshold time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if stuckThreshold <= 0 {
		stuckThreshold = 15 * time.Minute
	}
	s := &Server{store: store, verifier: verifier, stuckThreshold: stuckThreshold, engine: engine}

	group := engine.Group("/api/v1")
	if verifier != nil {
		group.Use(s.authMiddleware)
	}
	group.GET("/packets/by-user", s.byUser)
	group.GET("/packets/stuck", s.stuck)
	group.GET("/packets/:chain/:channel/:sequence", s.getPacket)
	group.GET("/channels/congestion", s.congestion)

	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) authMiddleware(c *gin.Context) {
	token, err := auth.ExtractBearer(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.verifier.Verify(token); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

// packetResponse mirrors the data model fields directly, per spec §6.
type packetResponse struct {
	SourceChainID      string  `json:"source_chain_id"`
	SourcePort         string  `json:"source_port"`
	SourceChannel      string  `json:"source_channel"`
	DestinationPort    string  `json:"destination_port"`
	DestinationChannel string  `json:"destination_channel"`
	DataHash           string  `json:"data_hash"`
	CreatedAt          string  `json:"created_at"`
	EffectedAt         *string `json:"effected_at,omitempty"`
	TimeoutTimestamp   *int64  `json:"timeout_timestamp,omitempty"`
	Effected           string  `json:"effected"`
	Signer             string  `json:"signer,omitempty"`
	TxHash             string  `json:"tx_hash,omitempty"`
	TxMemo             string  `json:"tx_memo,omitempty"`
	Sender             string  `json:"sender,omitempty"`
	Receiver           string  `json:"receiver,omitempty"`
	Denom              string  `json:"denom,omitempty"`
	Amount             string  `json:"amount,omitempty"`
}

func toResponse(p ibc.Packet) packetResponse {
	resp := packetResponse{
		SourceChainID:      p.SourceChainID,
		SourcePort:         p.SourcePort,
		SourceChannel:      p.SourceChannel,
		DestinationPort:    p.DestinationPort,
		DestinationChannel: p.DestinationChannel,
		DataHash:           hexEncode(p.DataHash[:]),
		CreatedAt:          p.CreatedAt.UTC().Format(time.RFC3339Nano),
		TimeoutTimestamp:   p.TimeoutTimestamp,
		Effected:           p.Effected.String(),
		Signer:             p.Signer,
		TxHash:             p.TxHash,
		TxMemo:             p.TxMemo,
	}
	if !p.EffectedAt.IsZero() {
		s := p.EffectedAt.UTC().Format(time.RFC3339Nano)
		resp.EffectedAt = &s
	}
	if p.Transfer != nil {
		resp.Sender = p.Transfer.Sender
		resp.Receiver = p.Transfer.Receiver
		resp.Denom = p.Transfer.Denom
		resp.Amount = p.Transfer.Amount
	}
	return resp
}

func (s *Server) byUser(c *gin.Context) {
	addr := c.Query("address")
	if addr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	role := storage.RoleSender
	if c.Query("role") == "receiver" {
		role = storage.RoleReceiver
	}
	limit := parseIntOr(c.Query("limit"), 100)

	rows, err := s.store.FindByUser(c.Request.Context(), addr, role, limit, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toResponses(rows))
}

func (s *Server) stuck(c *gin.Context) {
	minAge := time.Duration(parseIntOr(c.Query("min_age_seconds"), int(s.stuckThreshold.Seconds()))) * time.Second
	limit := parseIntOr(c.Query("limit"), 100)

	rows, err := s.store.FindStuck(c.Request.Context(), minAge, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toResponses(rows))
}

func (s *Server) getPacket(c *gin.Context) {
	chain := c.Param("chain")
	channel := c.Param("channel")
	seq, err := strconv.ParseUint(c.Param("sequence"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence must be a non-negative integer"})
		return
	}

	p, err := s.store.Get(c.Request.Context(), chain, channel, seq)
	if err == storage.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "packet not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toResponse(p))
}

type congestionResponse struct {
	SourceChannel      string            `json:"source_channel"`
	DestinationChannel string            `json:"destination_channel"`
	PendingCount       int64             `json:"pending_count"`
	AmountByDenom      map[string]string `json:"amount_by_denom"`
}

func (s *Server) congestion(c *gin.Context) {
	minAge := time.Duration(parseIntOr(c.Query("min_age_seconds"), int(s.stuckThreshold.Seconds()))) * time.Second
	rows, err := s.store.ChannelCongestion(c.Request.Context(), minAge)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]congestionResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, congestionResponse{
			SourceChannel:      r.SourceChannel,
			DestinationChannel: r.DestinationChannel,
			PendingCount:       r.PendingCount,
			AmountByDenom:      r.AmountByDenom,
		})
	}
	c.JSON(http.StatusOK, out)
}

func toResponses(rows []ibc.Packet) []packetResponse {
	out := make([]packetResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, toResponse(p))
	}
	return out
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
