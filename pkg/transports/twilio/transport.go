package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/reliefops/triagecall/pkg/errorsx"
	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/transports"
)

// Transport answers inbound emergency calls over Twilio Media Streams. Each
// call opens one websocket carrying mu-law audio both ways; lifecycle events
// and caller audio are surfaced as frames keyed by the Twilio call SID.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu       sync.Mutex
	conns    map[string]*mediaConn // call SID -> live stream
	traceIDs map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recvCh:   make(chan frames.Frame, 512),
		conns:    make(map[string]*mediaConn),
		traceIDs: make(map[string]string),
	}
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"voice_webhook_url":   t.publicURL("https", t.cfg.VoicePath),
		"status_callback_url": t.publicURL("https", t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc(t.cfg.WebsocketPath, t.handleStream)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.close()
	}
	t.conns = make(map[string]*mediaConn)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// Send carries agent audio and playback controls back to the caller. Frames
// are matched to a live stream by call SID, falling back to the stream meta
// since call-scoped components stamp the same value on both.
func (t *Transport) Send(f frames.Frame) error {
	callID := f.Meta()[frames.MetaCallID]
	if callID == "" {
		callID = f.Meta()[frames.MetaStreamID]
	}
	c := t.conn(callID)
	if c == nil {
		return nil
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			// Twilio drops its buffered outbound audio on "clear", which is
			// what makes a barge-in cut the agent off mid-word.
			return c.enqueue(map[string]any{"event": "clear", "streamSid": c.streamSID})
		default:
			return nil
		}
	case frames.AudioFrame:
		return c.enqueue(map[string]any{
			"event":     "media",
			"streamSid": c.streamSID,
			"media": map[string]any{
				"payload": base64.StdEncoding.EncodeToString(v.RawPayload()),
			},
		})
	default:
		return nil
	}
}

func (t *Transport) handleStream(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var callID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || evt.Start.CallSID == "" {
				continue
			}
			callID = evt.Start.CallSID
			t.attach(callID, evt.Start.StreamSID, conn)
			meta := t.metaFor(callID)
			meta[frames.MetaSource] = "transport"
			t.emit(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallConnected, meta))
		case "media":
			if evt.Media == nil || callID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaFor(callID)
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaCodec] = "ulaw"
			// Pooled frames keep the 50/s-per-call media cadence off the GC;
			// the session releases them once the STT write lands.
			t.emit(frames.NewAudioFrameFromPool(callID, time.Now().UnixNano(), payload, 8000, 1, meta))
		case "stop":
			if callID != "" {
				t.emit(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallDisconnected, t.metaFor(callID)))
				t.detach(callID)
			}
			return
		}
	}
	// Socket died without a stop event; the engine still needs the hang-up so
	// the report seals with what was gathered.
	if callID != "" {
		meta := t.metaFor(callID)
		meta[frames.MetaReason] = "transport_closed"
		t.emit(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallDisconnected, meta))
		t.detach(callID)
	}
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportSignature), "path", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.publicURL("wss", t.cfg.WebsocketPath)
	twiml := `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportSignature), "path", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callID := r.FormValue("CallSid")
	status := strings.ToLower(strings.TrimSpace(r.FormValue("CallStatus")))
	switch status {
	case "completed", "busy", "no-answer", "failed", "canceled":
	default:
		w.WriteHeader(http.StatusOK)
		return
	}
	if t.conn(callID) != nil {
		meta := t.metaFor(callID)
		meta[frames.MetaReason] = status
		t.emit(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallDisconnected, meta))
		t.detach(callID)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) attach(callID, streamSID string, conn *websocket.Conn) {
	c := &mediaConn{
		conn:      conn,
		streamSID: streamSID,
		sendCh:    make(chan []byte, 256),
	}
	t.mu.Lock()
	if old := t.conns[callID]; old != nil {
		_ = old.close()
	}
	t.conns[callID] = c
	t.traceIDs[callID] = uuid.NewString()
	t.mu.Unlock()
	go c.writeLoop()
}

func (t *Transport) detach(callID string) {
	t.mu.Lock()
	c := t.conns[callID]
	delete(t.conns, callID)
	delete(t.traceIDs, callID)
	t.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
}

func (t *Transport) conn(callID string) *mediaConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[callID]
}

func (t *Transport) metaFor(callID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaCallID: callID}
	if v := t.traceIDs[callID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	return meta
}

func (t *Transport) emit(f frames.Frame) {
	select {
	case t.recvCh <- f:
	default:
	}
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) publicURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "wss" {
		return "ws://" + addr + path
	}
	return "http://" + addr + path
}

// mediaConn serializes writes onto one Twilio websocket. Enqueue never blocks
// the engine; a full queue sheds audio rather than stalling the call loop.
// The mutex covers the enqueue/close race: the caller can hang up while the
// outbound pump is still mid-Send, and sending on a closed channel panics.
type mediaConn struct {
	conn      *websocket.Conn
	streamSID string

	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (c *mediaConn) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *mediaConn) writeLoop() {
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *mediaConn) close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type streamStart struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type streamMedia struct {
	Payload string `json:"payload"`
}

type streamEvent struct {
	Event string       `json:"event"`
	Start *streamStart `json:"start,omitempty"`
	Media *streamMedia `json:"media,omitempty"`
}

var _ transports.Transport = (*Transport)(nil)
var _ transports.ReadyReporter = (*Transport)(nil)
