// Package handlers implements the per-dialect chat entry points: request
// validation, account selection, upstream dispatch, stream pumping and error
// translation. The handler is dialect-agnostic above the translator
// interface.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/wenyu2333/gemini-relay/internal/account"
	"github.com/wenyu2333/gemini-relay/internal/api/middleware"
	"github.com/wenyu2333/gemini-relay/internal/cache"
	"github.com/wenyu2333/gemini-relay/internal/config"
	"github.com/wenyu2333/gemini-relay/internal/store"
	"github.com/wenyu2333/gemini-relay/internal/streaming"
	"github.com/wenyu2333/gemini-relay/internal/translator"
	"github.com/wenyu2333/gemini-relay/internal/translator/claude"
	"github.com/wenyu2333/gemini-relay/internal/translator/common"
	"github.com/wenyu2333/gemini-relay/internal/translator/gemini"
	"github.com/wenyu2333/gemini-relay/internal/translator/openai"
	"github.com/wenyu2333/gemini-relay/internal/upstream"
)

// Pool names route requests to one of the two account managers.
const (
	PoolAntigravity = "antigravity"
	PoolGeminiCLI   = "gemini-cli"
)

// Handler carries the shared services every chat endpoint needs.
type Handler struct {
	Cfg      *atomic.Pointer[config.Config]
	Managers map[string]*account.Manager
	Clients  map[string]*upstream.Client
	SigCache *cache.SignatureCache
	Names    *common.NameRegistry
}

// NewHandler wires the handler with its dialect set.
func NewHandler(cfg *atomic.Pointer[config.Config], managers map[string]*account.Manager, clients map[string]*upstream.Client, sigCache *cache.SignatureCache) *Handler {
	return &Handler{
		Cfg:      cfg,
		Managers: managers,
		Clients:  clients,
		SigCache: sigCache,
		Names:    common.NewNameRegistry(),
	}
}

func (h *Handler) openaiDialect() translator.Dialect {
	cfg := h.Cfg.Load()
	return &openai.Dialect{Names: h.Names, SigCache: h.SigCache, PassSignature: cfg.PassSignatureToClient}
}

func (h *Handler) claudeDialect() translator.Dialect {
	cfg := h.Cfg.Load()
	return &claude.Dialect{Names: h.Names, SigCache: h.SigCache, PassSignature: cfg.PassSignatureToClient}
}

func (h *Handler) geminiDialect() translator.Dialect {
	cfg := h.Cfg.Load()
	return &gemini.Dialect{Names: h.Names, SigCache: h.SigCache, PassSignature: cfg.PassSignatureToClient}
}

// writeError shapes err into the dialect envelope, or an SSE error frame
// when headers are already out.
func writeError(c *gin.Context, dialect translator.Dialect, status int, message string, headersSent bool) {
	body := dialect.ErrorEnvelope(status, message)
	if headersSent {
		_, _ = c.Writer.Write([]byte("event: error\ndata: " + string(body) + "\n\n"))
		c.Writer.Flush()
		return
	}
	c.Data(status, "application/json", body)
}

// errorStatus maps an upstream or internal error to the client status.
func errorStatus(err error) (int, string) {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return upErr.Code, upErr.Msg
	}
	var tokenErr *account.TokenError
	if errors.As(err, &tokenErr) {
		return http.StatusServiceUnavailable, tokenErr.Message
	}
	return http.StatusInternalServerError, err.Error()
}

// handleChat drives one chat request end to end.
func (h *Handler) handleChat(c *gin.Context, pool string, dialect translator.Dialect, pathModel string, forceStream bool) {
	cfg := h.Cfg.Load()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, dialect, http.StatusBadRequest, "failed to read request body", false)
		return
	}

	req, err := dialect.ToUpstream(pathModel, body)
	if err != nil {
		writeError(c, dialect, http.StatusBadRequest, err.Error(), false)
		return
	}
	if forceStream {
		req.Stream = true
	}
	// Feature prefixes only apply to the CLI pool.
	if pool != PoolGeminiCLI {
		req.Flags.FakeStream = false
	}

	manager := h.Managers[pool]
	client := h.Clients[pool]
	acct := manager.GetToken(c.Request.Context())
	if acct == nil {
		writeError(c, dialect, http.StatusServiceUnavailable, "no available account", false)
		return
	}

	switch {
	case req.Stream && req.Flags.FakeStream:
		h.serveFakeStream(c, cfg, dialect, manager, client, acct, req)
	case req.Stream:
		h.serveStream(c, cfg, dialect, manager, client, acct, req)
	case cfg.FakeNonStream && !common.IsImageModel(req.Model):
		h.serveFakeNonStream(c, dialect, manager, client, acct, req)
	default:
		h.serveNonStream(c, dialect, manager, client, acct, req)
	}
}

// callGenerate performs the one-shot upstream call under the 429 retry
// budget.
func (h *Handler) callGenerate(c *gin.Context, manager *account.Manager, client *upstream.Client, acct *store.Account, payload []byte) ([]byte, error) {
	cfg := h.Cfg.Load()
	var body []byte
	attempt := 0
	err := upstream.RetryOn429(c.Request.Context(), cfg.RequestRetry, func() error {
		if attempt > 0 {
			middleware.RecordUpstreamRetry()
		}
		attempt++
		var errCall error
		body, errCall = client.Generate(c.Request.Context(), acct, payload)
		return errCall
	})
	h.reviewError(manager, acct, err)
	return body, err
}

// callStream opens the upstream SSE body under the 429 retry budget.
func (h *Handler) callStream(c *gin.Context, manager *account.Manager, client *upstream.Client, acct *store.Account, payload []byte) (io.ReadCloser, error) {
	cfg := h.Cfg.Load()
	var rc io.ReadCloser
	attempt := 0
	err := upstream.RetryOn429(c.Request.Context(), cfg.RequestRetry, func() error {
		if attempt > 0 {
			middleware.RecordUpstreamRetry()
		}
		attempt++
		var errCall error
		rc, errCall = client.Stream(c.Request.Context(), acct, payload)
		return errCall
	})
	h.reviewError(manager, acct, err)
	return rc, err
}

// reviewError applies the account-level consequences of an upstream error:
// 403s that are not context overflow kill the serving token; exhausted rate
// limits advance the quota_exhausted rotation.
func (h *Handler) reviewError(manager *account.Manager, acct *store.Account, err error) {
	if err == nil {
		return
	}
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		return
	}
	switch {
	case upErr.Code == http.StatusForbidden && !upErr.IsContextOverflow():
		log.Warnf("upstream rejected token, disabling account %s", manager.TokenID(acct))
		manager.Disable(acct)
	case upErr.Code == http.StatusTooManyRequests:
		manager.ReportQuotaExhausted(acct)
	}
}

func (h *Handler) serveNonStream(c *gin.Context, dialect translator.Dialect, manager *account.Manager, client *upstream.Client, acct *store.Account, req translator.Request) {
	body, err := h.callGenerate(c, manager, client, acct, req.Payload)
	if err != nil {
		status, message := errorStatus(err)
		writeError(c, dialect, status, message, false)
		return
	}

	parser := h.newParser(req)
	var collector streaming.Collector
	collector.AddAll(parser.ParseBody(body))
	manager.RecordRequest(acct)
	c.Data(http.StatusOK, "application/json", dialect.FromCollected(req.Model, collector.Result()))
}

// serveFakeNonStream drives the upstream stream path but answers with a
// single JSON body.
func (h *Handler) serveFakeNonStream(c *gin.Context, dialect translator.Dialect, manager *account.Manager, client *upstream.Client, acct *store.Account, req translator.Request) {
	rc, err := h.callStream(c, manager, client, acct, req.Payload)
	if err != nil {
		status, message := errorStatus(err)
		writeError(c, dialect, status, message, false)
		return
	}
	defer func() { _ = rc.Close() }()

	parser := h.newParser(req)
	var collector streaming.Collector
	if err = pump(rc, func(line []byte) {
		collector.AddAll(parser.ParseLine(line))
	}); err != nil {
		status, message := errorStatus(err)
		writeError(c, dialect, status, message, false)
		return
	}
	collector.AddAll(parser.Finish())
	manager.RecordRequest(acct)
	c.Data(http.StatusOK, "application/json", dialect.FromCollected(req.Model, collector.Result()))
}

// serveFakeStream performs a one-shot upstream call and replays the
// collected response through the dialect's stream writer.
func (h *Handler) serveFakeStream(c *gin.Context, cfg *config.Config, dialect translator.Dialect, manager *account.Manager, client *upstream.Client, acct *store.Account, req translator.Request) {
	body, err := h.callGenerate(c, manager, client, acct, req.Payload)
	if err != nil {
		status, message := errorStatus(err)
		writeError(c, dialect, status, message, false)
		return
	}

	parser := h.newParser(req)
	var collector streaming.Collector
	collector.AddAll(parser.ParseBody(body))
	manager.RecordRequest(acct)

	sink := newStreamSink(c, cfg.Streaming.HeartbeatSeconds)
	defer sink.stop()
	writer := dialect.NewStreamWriter(req.Model)
	for _, event := range collector.Result().Events() {
		sink.writeFrames(writer.Write(event))
	}
	sink.writeFrames(writer.Finish())
}

// serveStream relays the upstream SSE body as dialect frames.
func (h *Handler) serveStream(c *gin.Context, cfg *config.Config, dialect translator.Dialect, manager *account.Manager, client *upstream.Client, acct *store.Account, req translator.Request) {
	rc, err := h.callStream(c, manager, client, acct, req.Payload)
	if err != nil {
		status, message := errorStatus(err)
		writeError(c, dialect, status, message, false)
		return
	}
	defer func() { _ = rc.Close() }()

	// Abort the upstream read when the client goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.Request.Context().Done():
			_ = rc.Close()
		case <-done:
		}
	}()

	sink := newStreamSink(c, cfg.Streaming.HeartbeatSeconds)
	defer sink.stop()

	parser := h.newParser(req)
	writer := dialect.NewStreamWriter(req.Model)
	pumpErr := pump(rc, func(line []byte) {
		for _, event := range parser.ParseLine(line) {
			sink.writeFrames(writer.Write(event))
		}
	})
	if pumpErr != nil && c.Request.Context().Err() == nil {
		// Headers are out; the error has to travel as a frame.
		log.Debugf("stream read ended with error: %v", pumpErr)
		status, message := errorStatus(pumpErr)
		writeError(c, dialect, status, message, true)
		return
	}
	for _, event := range parser.Finish() {
		sink.writeFrames(writer.Write(event))
	}
	sink.writeFrames(writer.Finish())
	manager.RecordRequest(acct)
}

func (h *Handler) newParser(req translator.Request) *streaming.Parser {
	parser := streaming.NewParser(req.Model, req.HasTools, common.IsImageModel(req.Model), h.SigCache)
	model := req.Model
	parser.ResolveToolName = func(safe string) string {
		return h.Names.Resolve(model, safe)
	}
	return parser
}

// pump feeds the upstream body through a line buffer into fn.
func pump(rc io.Reader, fn func(line []byte)) error {
	var buffer streaming.LineBuffer
	chunk := make([]byte, 16*1024)
	for {
		n, err := rc.Read(chunk)
		if n > 0 {
			for _, line := range buffer.Append(chunk[:n]) {
				fn(line)
			}
		}
		if err != nil {
			if tail := buffer.Flush(); len(tail) > 0 {
				fn(tail)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// streamSink serializes SSE writes and the heartbeat ticker onto one writer.
type streamSink struct {
	mu      sync.Mutex
	c       *gin.Context
	stopped chan struct{}
	once    sync.Once
}

func newStreamSink(c *gin.Context, heartbeatSeconds int) *streamSink {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	s := &streamSink{c: c, stopped: make(chan struct{})}
	if heartbeatSeconds > 0 {
		go s.heartbeat(time.Duration(heartbeatSeconds) * time.Second)
	}
	return s
}

func (s *streamSink) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-s.c.Request.Context().Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			_, _ = s.c.Writer.Write([]byte(": heartbeat\n\n"))
			s.c.Writer.Flush()
			s.mu.Unlock()
		}
	}
}

func (s *streamSink) writeFrames(frames []string) {
	if len(frames) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, frame := range frames {
		_, _ = s.c.Writer.Write([]byte(frame))
	}
	s.c.Writer.Flush()
}

func (s *streamSink) stop() {
	s.once.Do(func() { close(s.stopped) })
}
