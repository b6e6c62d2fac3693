package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/config"
	"github.com/huyhandes/aurcache/internal/planner"
)

// Response buffer pool for reducing allocations
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// rpcResponse mirrors the envelope of the AUR RPC interface.
type rpcResponse struct {
	Version     int          `json:"version"`
	Type        string       `json:"type"`
	ResultCount int          `json:"resultcount"`
	Results     []aur.Record `json:"results"`
	Error       string       `json:"error,omitempty"`
}

// requestError is reported to RPC clients verbatim, worded as aurweb does.
type requestError string

func (e requestError) Error() string { return string(e) }

const (
	errNoVersion  requestError = "Please specify an API version."
	errBadVersion requestError = "Invalid version specified."
	errNoType     requestError = "No request type/data specified."
	errBadType    requestError = "Incorrect request type specified."
	errBadField   requestError = "Incorrect by field specified."
)

// Server answers RPC requests from the local cache, fetching from the AUR
// only what is missing or stale.
type Server struct {
	config  *config.Config
	planner *planner.Planner
	router  *gin.Engine
	started time.Time
}

func New(cfg *config.Config, p *planner.Planner) *Server {
	// Set Gin mode based on log level
	if cfg.LogLevel == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %d - %v %s %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.StatusCode,
			param.Latency,
			param.Method,
			param.Path,
		)
	}))
	router.Use(gzip.Gzip(gzip.BestSpeed))

	s := &Server{
		config:  cfg,
		planner: p,
		router:  router,
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleHome)

	// aurweb serves the same interface under both paths
	s.router.GET("/rpc", s.handleRPC)
	s.router.GET("/rpc/", s.handleRPC)
	s.router.GET("/rpc.php", s.handleRPC)

	s.router.DELETE("/cache", s.handlePurge)
	s.router.GET("/health", s.handleHealth)

	s.router.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})
}

func (s *Server) handleHome(c *gin.Context) {
	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>aurcache - AUR RPC Cache</title></head>
<body>
	<h1>aurcache - AUR RPC Cache</h1>
	<p>Caching proxy for the AUR RPC interface.</p>
	<ul>
		<li>Upstream: %s</li>
		<li>Cache backend: %s</li>
		<li>TTL: %s</li>
	</ul>
	<p><a href="/rpc?v=5&amp;type=search&amp;arg=yay">Example search</a> | <a href="/health">Health Check</a></p>
</body>
</html>`, s.config.RPCURL, s.config.CacheBackend, s.config.TTL.String())

	c.Header("Content-Type", "text/html")
	c.String(http.StatusOK, html)
}

// handleRPC implements GET /rpc?v=5&type=...&arg=...
func (s *Server) handleRPC(c *gin.Context) {
	q, respType, err := parseQuery(c)
	if err != nil {
		s.writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	results := make([]aur.Record, 0)
	for record, err := range s.planner.Resolve(ctx, q) {
		if err != nil {
			var itemErr *planner.ItemError
			if errors.As(err, &itemErr) {
				log.Warn().Err(err).Msg("Omitting unresolved package from response")
				continue
			}
			status := http.StatusBadGateway
			if errors.Is(err, planner.ErrInvalidQuery) {
				status = http.StatusBadRequest
			}
			log.Error().Err(err).Str("type", respType).Msg("RPC request failed")
			s.writeError(c, status, err.Error())
			return
		}
		results = append(results, record)
	}

	s.writeJSON(c, http.StatusOK, &rpcResponse{
		Version:     aur.Version,
		Type:        respType,
		ResultCount: len(results),
		Results:     results,
	})
}

// parseQuery maps RPC parameters onto a planner query. It also returns the
// response type to report.
func parseQuery(c *gin.Context) (planner.Query, string, error) {
	var q planner.Query

	switch v := c.Query("v"); v {
	case "":
		return q, "", errNoVersion
	case strconv.Itoa(aur.Version):
	default:
		return q, "", errBadVersion
	}

	reqType := c.Query("type")
	if reqType == "" {
		return q, "", errNoType
	}
	kind, err := planner.ParseKind(reqType)
	if err != nil {
		return q, "", errBadType
	}

	args := append(c.QueryArray("arg[]"), c.QueryArray("arg")...)
	q = planner.Query{
		Kind:      kind,
		Terms:     args,
		Intersect: c.Query("intersect") == "1",
		Full:      c.Query("full") == "1",
		Refresh:   c.Query("refresh") == "1",
	}

	switch kind {
	case planner.KindInfo:
		return q, "multiinfo", nil
	case planner.KindMSearch:
		if len(q.Terms) > 1 {
			q.Terms = q.Terms[:1]
		}
		return q, "msearch", nil
	}

	field, err := aur.ParseField(c.Query("by"))
	if err != nil {
		return q, "", errBadField
	}
	q.Field = field
	if len(q.Terms) == 0 && field != aur.ByMaintainer {
		return q, "", errNoType
	}
	if len(q.Terms) == 0 {
		q.Terms = []string{""}
	}
	return q, "search", nil
}

func (s *Server) handlePurge(c *gin.Context) {
	records := s.planner.Records()
	removed, err := records.PurgeExpired(c.Request.Context(), records.TTL())
	if err != nil {
		log.Error().Err(err).Msg("Cache purge failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	s.planner.Brief().Invalidate()

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"removed": removed,
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"timestamp": time.Now().Unix(),
		"data": gin.H{
			"rpc_url":        s.config.RPCURL,
			"cache_backend":  s.config.CacheBackend,
			"cache_enabled":  !s.planner.Records().Disabled(),
			"ttl_seconds":    int(s.config.TTL.Seconds()),
			"max_uri_length": s.config.MaxURILength,
			"uptime_seconds": int(time.Since(s.started).Seconds()),
		},
	})
}

func (s *Server) writeError(c *gin.Context, status int, message string) {
	s.writeJSON(c, status, &rpcResponse{
		Version: aur.Version,
		Type:    "error",
		Results: []aur.Record{},
		Error:   message,
	})
}

func (s *Server) writeJSON(c *gin.Context, status int, body *rpcResponse) {
	buf := responseBufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		responseBufferPool.Put(buf)
	}()

	if err := sonic.ConfigFastest.NewEncoder(buf).Encode(body); err != nil {
		c.String(http.StatusInternalServerError, "JSON encoding error")
		return
	}
	c.Data(status, "application/json", buf.Bytes())
}

// ListenAndServe serves until ctx is cancelled, then shuts down within the
// grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("🌐 HTTP server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Warn().Msg("⚠️  Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("✅ Server stopped gracefully")
	return nil
}
