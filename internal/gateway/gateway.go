// Package gateway serves the carrier-facing HTTP surface.
//
// Two endpoints matter to the carrier: POST /voice answers an incoming call
// with connect-stream XML pointing at the media WebSocket, and GET /media
// upgrades to that WebSocket and runs a [session.Session] for the lifetime of
// the call. Health probes and Prometheus metrics are mounted alongside so a
// single listener covers the whole deployment.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadline-voice/leadline/internal/carrier"
	"github.com/leadline-voice/leadline/internal/health"
	"github.com/leadline-voice/leadline/internal/observe"
	"github.com/leadline-voice/leadline/internal/session"
)

// NewSessionFunc builds a call session around an accepted carrier connection.
// The gateway owns the connection lifecycle; the returned session is run until
// the call ends.
type NewSessionFunc func(conn *carrier.Conn) *session.Session

// Config configures the gateway.
type Config struct {
	// StreamURL is the absolute wss:// URL the answer XML points the carrier
	// at. When empty the URL is derived from the Host header of each /voice
	// request, which is correct behind a proxy that preserves the public
	// hostname.
	StreamURL string

	// NewSession builds the per-call session. Required.
	NewSession NewSessionFunc

	// Sessions tracks live calls for draining and the health stats readout.
	// A fresh manager is created when nil.
	Sessions *session.Manager

	// Health serves /healthz and /readyz when set.
	Health *health.Handler

	// Metrics instruments the HTTP surface. Defaults to the process-wide
	// metrics.
	Metrics *observe.Metrics

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Gateway routes carrier webhooks and media WebSockets to call sessions.
type Gateway struct {
	streamURL  string
	newSession NewSessionFunc
	sessions   *session.Manager
	health     *health.Handler
	metrics    *observe.Metrics
	logger     *slog.Logger
}

// New creates a gateway from cfg. cfg.NewSession must be set.
func New(cfg Config) *Gateway {
	if cfg.NewSession == nil {
		panic("gateway: Config.NewSession is required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewManager()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		streamURL:  cfg.StreamURL,
		newSession: cfg.NewSession,
		sessions:   cfg.Sessions,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Sessions returns the manager tracking live calls.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Routes returns the handler serving the gateway endpoints:
//
//	POST /voice    — carrier webhook for an incoming call; answers with
//	                 connect-stream XML
//	GET  /media    — carrier media WebSocket; runs the call session
//	GET  /healthz  — liveness probe (when Config.Health is set)
//	GET  /readyz   — readiness probe (when Config.Health is set)
//	GET  /metrics  — Prometheus scrape endpoint
//
// All routes are wrapped in the request metrics middleware.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice", g.handleVoice)
	mux.HandleFunc("GET /media", g.handleMedia)
	if g.health != nil {
		g.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(g.metrics)(mux)
}

// answerXML tells the carrier to open a bidirectional media stream to the
// gateway. The caller and callee numbers ride along as custom parameters so
// the session sees them in the start frame.
const answerXML = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s">
            <Parameter name="caller" value="%s"/>
            <Parameter name="callee" value="%s"/>
        </Stream>
    </Connect>
</Response>`

// xmlAttr escapes a value for use inside a double-quoted XML attribute.
var xmlAttr = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// handleVoice handles POST /voice, the carrier webhook fired when a call
// comes in. It answers with XML connecting the call to the media WebSocket.
func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	from := r.FormValue("From")
	to := r.FormValue("To")
	callSID := r.FormValue("CallSid")

	g.logger.Info("gateway: incoming call",
		"from", from,
		"to", to,
		"callSid", callSID,
	)

	streamURL := g.streamURL
	if streamURL == "" {
		streamURL = "wss://" + r.Host + "/media"
	}

	answer := answerFor(streamURL, from, to)
	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(answer)); err != nil {
		g.logger.Error("gateway: writing call answer failed", "error", err)
	}
}

func answerFor(streamURL, from, to string) string {
	return fmt.Sprintf(answerXML,
		xmlAttr.Replace(streamURL),
		xmlAttr.Replace(from),
		xmlAttr.Replace(to),
	)
}

// handleMedia handles GET /media. It upgrades to a WebSocket, wraps it in a
// carrier connection and runs a session until the call ends. The request
// context carries server shutdown to the session.
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // carriers send from various origins
	})
	if err != nil {
		g.logger.Warn("gateway: websocket accept failed", "error", err)
		return
	}

	conn := carrier.NewConn(ws)
	sess := g.newSession(conn)
	remove := g.sessions.Add(sess)
	defer remove()

	if err := sess.Run(r.Context()); err != nil {
		g.logger.Warn("gateway: call ended with error", "error", err)
	}
}
