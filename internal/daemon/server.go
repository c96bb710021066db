package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/handybridge/relayd/internal/blobcache"
	"github.com/handybridge/relayd/internal/bus"
	"github.com/handybridge/relayd/internal/config"
	"github.com/handybridge/relayd/internal/resolver"
	"github.com/handybridge/relayd/internal/status"
	"github.com/handybridge/relayd/internal/store"
	"github.com/handybridge/relayd/internal/syncer"
	"github.com/handybridge/relayd/internal/target"
	"github.com/handybridge/relayd/internal/wire"
)

// Server is the localhost HTTP control API.
type Server struct {
	cfg      *config.Config
	db       *store.DB
	syncer   *syncer.Syncer
	registry *target.Registry
	machine  *status.Machine
	cache    *blobcache.Cache
	resolver *resolver.Resolver
	bus      *bus.Bus
	logger   *zap.Logger

	router *gin.Engine
	http   *http.Server
}

// NewServer builds the control API over the daemon components.
func NewServer(cfg *config.Config, db *store.DB, s *syncer.Syncer, registry *target.Registry,
	machine *status.Machine, cache *blobcache.Cache, res *resolver.Resolver, b *bus.Bus, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{
		cfg:      cfg,
		db:       db,
		syncer:   s,
		registry: registry,
		machine:  machine,
		cache:    cache,
		resolver: res,
		bus:      b,
		logger:   logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/poll", srv.handlePoll)
	r.POST("/retry/:id", srv.handleRetry)
	r.POST("/bind", srv.handleBind)
	r.POST("/unbind", srv.handleUnbind)
	r.GET("/status", srv.handleStatus)
	r.GET("/messages", srv.handleMessages)
	r.GET("/attachments/:messageID/:attID", srv.handleAttachment)
	r.GET("/events", srv.handleEvents)
	r.POST("/report", srv.handleReport)
	srv.router = r
	return srv
}

// Start serves the control API until Stop. Blocks.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.cfg.ControlAddr, Handler: s.router}
	s.logger.Info("control API listening", zap.String("addr", s.cfg.ControlAddr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the control API down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("control API shutdown", zap.Error(err))
	}
}

func (s *Server) handlePoll(c *gin.Context) {
	err := s.syncer.PollOnce(c.Request.Context())
	switch {
	case errors.Is(err, syncer.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"status": "busy"})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"status": "failed", "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleRetry(c *gin.Context) {
	err := s.syncer.Retry(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, syncer.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"status": "busy"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown message id"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type bindRequest struct {
	URL   string `json:"url" binding:"required"`
	Label string `json:"label"`
}

func (s *Server) handleBind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	binding, err := s.registry.Bind(req.URL, req.Label)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, binding)
}

func (s *Server) handleUnbind(c *gin.Context) {
	if err := s.registry.Unbind(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	cursor, err := s.db.Cursor()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	binding, err := s.registry.Current()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.db.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// The machine reflects this process; the persisted record carries
	// the last error across restarts.
	lastErr := s.machine.LastError()
	if lastErr == "" {
		lastErr = rec.LastError
	}
	c.JSON(http.StatusOK, gin.H{
		"state":           s.machine.Current(),
		"lastError":       lastErr,
		"cursor":          cursor,
		"bound":           binding,
		"connected":       rec.Connected,
		"lastPollAt":      rec.LastPollAt,
		"lastSuccessAt":   rec.LastSuccessAt,
		"lastKeepaliveAt": rec.LastKeepaliveAt,
	})
}

// messageView is the JSON shape of a stored message on the control API.
type messageView struct {
	ID                string                 `json:"id"`
	TS                int64                  `json:"ts"`
	Text              string                 `json:"text"`
	Type              string                 `json:"type"`
	Status            string                 `json:"status"`
	Attachments       []wire.Attachment      `json:"attachments,omitempty"`
	Errors            []wire.AttachmentError `json:"errors,omitempty"`
	DeliveryStatus    string                 `json:"deliveryStatus,omitempty"`
	DeliveryDetail    string                 `json:"deliveryDetail,omitempty"`
	DeliveryUpdatedAt int64                  `json:"deliveryUpdatedAt,omitempty"`
	RetryCount        int                    `json:"retryCount,omitempty"`
	Raw               json.RawMessage        `json:"raw,omitempty"`
}

func (s *Server) handleMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := s.db.ListMessages(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:                m.ID,
			TS:                m.TS,
			Text:              m.Text,
			Type:              m.Type,
			Status:            m.Status,
			Attachments:       m.Attachments,
			Errors:            m.Errors,
			DeliveryStatus:    m.DeliveryStatus,
			DeliveryDetail:    m.DeliveryDetail,
			DeliveryUpdatedAt: m.DeliveryUpdatedAt,
			RetryCount:        m.RetryCount,
			Raw:               m.Raw,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (s *Server) handleAttachment(c *gin.Context) {
	messageID := c.Param("messageID")
	attID := c.Param("attID")

	if entry, ok := s.cache.Get(messageID, attID); ok {
		s.serveAttachment(c, entry.Meta.Mime, entry.Meta.SHA256, entry.Data)
		return
	}

	// Evicted from both tiers; fall back to the stored message's
	// attachment descriptor and fetch again.
	m, err := s.db.GetMessage(messageID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for i := range m.Attachments {
		if m.Attachments[i].AttID != attID {
			continue
		}
		res, err := s.resolver.ResolveSingle(c.Request.Context(), messageID, &m.Attachments[i])
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		s.serveAttachment(c, res.Mime, res.SHA256, res.Bytes)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
}

func (s *Server) serveAttachment(c *gin.Context, mime, sha string, data []byte) {
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Header("X-Attachment-Sha256", sha)
	c.Data(http.StatusOK, mime, data)
}

// handleEvents streams bus events to the client as server-sent events.
// An optional ns query filters by event-kind prefix.
func (s *Server) handleEvents(c *gin.Context) {
	ch, cancel := s.bus.Subscribe(c.Query("ns"), 16)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-ch:
			c.SSEvent(evt.Kind, evt.Payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type reportRequest struct {
	MessageID      string `json:"messageId"`
	DeliveryStatus string `json:"deliveryStatus" binding:"required"`
	Detail         string `json:"detail"`
	Site           string `json:"site"`
	MessagePreview string `json:"messagePreview"`
}

// handleReport records a destination-side delivery outcome and forwards
// it to the source as a status report.
func (s *Server) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MessageID != "" {
		err := s.db.ApplyDelivery(store.DeliveryUpdate{
			MessageID: req.MessageID,
			Status:    req.DeliveryStatus,
			Detail:    req.Detail,
			UpdatedAt: time.Now().UnixMilli(),
		})
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown message id"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	reported := true
	if err := s.registry.Report(c.Request.Context(), s.cfg.SourceURL(""), target.StatusReport{
		Status:         req.DeliveryStatus,
		Site:           req.Site,
		Detail:         req.Detail,
		MessagePreview: req.MessagePreview,
	}); err != nil {
		reported = false
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "reported": reported})
}
