package apis

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/rtstream/common"
	"github.com/alwitt/rtstream/stream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// SessionGateway runs client sessions
type SessionGateway interface {
	OpenSession(ctxt context.Context, transport stream.Transport) (*stream.ClientSession, error)
	SessionMessage(ctxt context.Context, session *stream.ClientSession, raw []byte) error
	CloseSession(ctxt context.Context, session *stream.ClientSession) error
	Ready() bool
}

// APIWebSocketStreamHandler handler for the client streaming endpoint
type APIWebSocketStreamHandler struct {
	goutils.RestAPIHandler
	gateway     SessionGateway
	config      common.WebSocketConfig
	upgrader    *websocket.Upgrader
	baseContext context.Context
}

// GetAPIWebSocketStreamHandler define APIWebSocketStreamHandler
func GetAPIWebSocketStreamHandler(
	baseContext context.Context,
	gateway SessionGateway,
	wsConfig common.WebSocketConfig,
	httpConfig *common.HTTPConfig,
) (APIWebSocketStreamHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket-stream",
		"instance":  wsConfig.Endpoint,
	}
	validate := validator.New()
	if err := validate.Struct(&wsConfig); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid websocket config")
		return APIWebSocketStreamHandler{}, err
	}
	return APIWebSocketStreamHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		gateway:        gateway,
		config:         wsConfig,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: time.Second * time.Duration(wsConfig.WriteTimeout),
			// Clients are not authenticated, so any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
	}, nil
}

// Stream godoc
// @Summary Open a live metric streaming session
// @Description Upgrade to a WebSocket. Each client message
// {"deviceId","deviceName","metric"} subscribes the session to a metric stream. Each
// server message is one record of a subscribed stream with an added "metric" field.
// @tags Stream
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /rt-stream [get]
func (h APIWebSocketStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	if !h.gateway.Ready() {
		msg := "gateway not ready"
		log.WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusServiceUnavailable,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// The upgrader writes the error response itself
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}
	writeTimeout := time.Second * time.Duration(h.config.WriteTimeout)
	transport := newWebSocketTransport(conn, writeTimeout)

	session, err := h.gateway.OpenSession(h.baseContext, transport)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to open session")
		_ = transport.closeWithCode(websocket.CloseTryAgainLater, "session unavailable")
		return
	}
	logTags := localLogTags
	logTags["session"] = session.ID()
	log.WithFields(logTags).Info("Client connected")

	pongWait := time.Second * time.Duration(h.config.PongTimeout)
	conn.SetReadLimit(h.config.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()
	go h.keepAlive(runtimeCtxt, transport, logTags)

	// Read client requests until the connection ends
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(logTags).Warn("Client connection lost")
			} else {
				log.WithFields(logTags).Info("Client disconnected")
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := h.gateway.SessionMessage(h.baseContext, session, raw); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to pass request to session")
			break
		}
	}

	cancel()
	if err := h.gateway.CloseSession(h.baseContext, session); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to close session")
		_ = transport.Close()
	}
}

// StreamHandler Wrapper around Stream
func (h APIWebSocketStreamHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// keepAlive ping the client until the context ends
func (h APIWebSocketStreamHandler) keepAlive(
	ctxt context.Context, transport *webSocketTransport, logTags log.Fields,
) {
	ticker := time.NewTicker(time.Second * time.Duration(h.config.PingInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctxt.Done():
			return
		case <-ticker.C:
			if err := transport.ping(); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Ping failed")
				return
			}
		}
	}
}

// ========================================================================================

// webSocketTransport implements stream.Transport on a WebSocket connection
type webSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func newWebSocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *webSocketTransport {
	return &webSocketTransport{conn: conn, writeTimeout: writeTimeout}
}

// Write send one text frame
func (t *webSocketTransport) Write(payload []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *webSocketTransport) ping() error {
	return t.conn.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(t.writeTimeout),
	)
}

// Close close the connection with a normal closure
func (t *webSocketTransport) Close() error {
	return t.closeWithCode(websocket.CloseNormalClosure, "")
}

func (t *webSocketTransport) closeWithCode(code int, reason string) error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(t.writeTimeout),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
