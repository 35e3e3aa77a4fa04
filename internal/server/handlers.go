package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexus-realtime/internal/notification"
	"github.com/Tyrowin/nexus-realtime/internal/realtime"
)

// HandlerConfig carries the transport and API settings used by Handler.
type HandlerConfig struct {
	// TokenQueryParam names the query parameter carrying the credential.
	TokenQueryParam string
	MaxMessageSize  int64
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	// IngressToken guards POST /internal/notifications. Empty disables it.
	IngressToken string
	// HandshakeTimeout bounds credential verification.
	HandshakeTimeout time.Duration
}

// Handler serves the WebSocket endpoint, the notification API and the
// operational endpoints.
type Handler struct {
	hub      *realtime.Hub
	store    notification.Store
	verifier realtime.IdentityVerifier
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   zerolog.Logger
	started  time.Time
}

// NewHandler creates a Handler.
func NewHandler(hub *realtime.Hub, store notification.Store, verifier realtime.IdentityVerifier, origins *OriginPolicy, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.TokenQueryParam == "" {
		cfg.TokenQueryParam = "token"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}

	return &Handler{
		hub:      hub,
		store:    store,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		cfg:     cfg,
		logger:  logger.With().Str("component", "http").Logger(),
		started: time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("error writing JSON response")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, errorResponse{Error: message})
}

// credential returns the token from the query string or the Authorization
// header, in that order.
func (h *Handler) credential(r *http.Request) string {
	if token := r.URL.Query().Get(h.cfg.TokenQueryParam); token != "" {
		return token
	}
	return bearerToken(r)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > len("Bearer ") && strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

// WebSocketHandler upgrades the request and hands the socket to the hub.
// A rejected credential closes the socket with code 4001 before any event
// is read.
func (h *Handler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	credential := h.credential(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	transport := newWSTransport(conn, r.RemoteAddr, h.cfg.MaxMessageSize, h.cfg.IdleTimeout, h.cfg.WriteTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HandshakeTimeout)
	defer cancel()

	if _, err := h.hub.Accept(ctx, transport, credential); err != nil {
		h.logger.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket handshake failed")
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (h *Handler) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Nexus realtime server is running!")
}

// HealthzHandler reports live session counters as JSON.
func (h *Handler) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, HealthStatus{
		Status:        "ok",
		Connections:   h.hub.Connections().Count(),
		Rooms:         h.hub.Rooms().RoomCount(),
		TypingActive:  h.hub.Typing().Active(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// TestPageHandler serves an HTML page for exercising the event protocol by
// hand.
func (h *Handler) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.logger.Debug().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Nexus Realtime Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        textarea { width: 500px; height: 60px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Nexus Realtime Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="JWT">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="projectInput" placeholder="Project id">
        <button onclick="send('join:project', {projectId: projectInput.value})">Join</button>
        <button onclick="send('leave:project', {projectId: projectInput.value})">Leave</button>
    </div>
    <div>
        <textarea id="rawInput" placeholder='{"event":"task:update","data":{"taskId":1,"projectId":"p1","update":{}}}'></textarea>
        <button onclick="sendRaw()">Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const tokenInput = document.getElementById('tokenInput');
        const projectInput = document.getElementById('projectInput');
        const rawInput = document.getElementById('rawInput');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(tokenInput.value));
            ws.onopen = () => { log('connected'); updateStatus(true); };
            ws.onmessage = (event) => log('<- ' + event.data);
            ws.onclose = (event) => { log('closed ' + event.code + ' ' + event.reason); updateStatus(false); ws = null; };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) return;
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            log('-> ' + frame);
        }

        function sendRaw() {
            if (!ws || ws.readyState !== WebSocket.OPEN) return;
            ws.send(rawInput.value);
            log('-> ' + rawInput.value);
        }
    </script>
</body>
</html>`
