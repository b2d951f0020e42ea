package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/meshvmail/internal/auth"
	"github.com/danmuck/meshvmail/internal/inbox"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultInboxLimit = 50

type sendRequest struct {
	Text string `json:"text"`
	// Data is raw bytes, base64 in JSON.
	Data []byte `json:"data"`
	Dst  string `json:"dst"`
}

type testRequest struct {
	Text string `json:"text" binding:"required"`
	Dst  string `json:"dst"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.mesh.Local().String(),
			"version": "0.1.0",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var validator auth.Validator
	if s.cfg.Token != "" {
		validator = auth.StaticToken{Token: s.cfg.Token}
	}
	api := s.router.Group("/", auth.Middleware(validator))

	api.GET("/transfers/outbound", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"transfers": s.mesh.Transfers()})
	})
	api.GET("/transfers/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": s.mesh.Pending()})
	})
	api.GET("/transfers/inbound", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"buffers": s.mesh.Buffers()})
	})
	api.DELETE("/transfers/outbound/:id", func(c *gin.Context) {
		id := c.Param("id")
		if !s.mesh.Cancel(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no outbound transfer " + id})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled", "message_id": id})
	})

	api.POST("/messages", s.handleSend)
	api.POST("/test", s.handleTest)

	api.GET("/inbox", func(c *gin.Context) {
		limit := defaultInboxLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		records, err := s.inbox.List(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": records})
	})
	api.GET("/inbox/:id", func(c *gin.Context) {
		rec, ok := s.lookup(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, rec)
	})
	api.GET("/inbox/:id/payload", func(c *gin.Context) {
		rec, ok := s.lookup(c)
		if !ok {
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", rec.Payload)
	})
}

func (s *Server) lookup(c *gin.Context) (inbox.Record, bool) {
	rec, err := s.inbox.Get(c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, inbox.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return inbox.Record{}, false
	}
	return rec, true
}

func parseDst(raw string) (transport.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return transport.ParseAddress(raw)
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload := req.Data
	if len(payload) == 0 {
		payload = []byte(req.Text)
	}
	if len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or data required"})
		return
	}
	dst, err := parseDst(req.Dst)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.mesh.Submit(payload, dst)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": id, "bytes": len(payload)})
}

func (s *Server) handleTest(c *gin.Context) {
	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dst, err := parseDst(req.Dst)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mesh.SendTest(c.Request.Context(), req.Text, dst); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
