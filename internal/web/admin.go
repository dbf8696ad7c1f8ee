package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/models"
)

// DefaultAdminPrefix is where the admin API is mounted.
const DefaultAdminPrefix = "/admin/security"

// maxAdminBodyBytes bounds admin request bodies.
const maxAdminBodyBytes = 16 << 10

type operatorKey struct{}

// AdminConfig configures the admin API.
type AdminConfig struct {
	AdminAuthConfig `yaml:",inline"`

	// Stream configures the live alert WebSocket.
	Stream WebSocketSecurityConfig `yaml:"stream"`
}

// DefaultAdminConfig returns an admin configuration with no tokens.
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{Stream: DefaultWebSocketSecurityConfig()}
}

// blockRequestBody is the POST /blocks payload.
type blockRequestBody struct {
	IPAddress       string `json:"ipAddress"`
	Reason          string `json:"reason"`
	Severity        string `json:"severity"`
	DurationMinutes *int   `json:"durationMinutes,omitempty"`
}

// AdminAPI serves the operator endpoints under a path prefix.
type AdminAPI struct {
	prefix   string
	config   AdminConfig
	defense  *defense.Defense
	auth     *AdminAuth
	resolver *ClientIPResolver
	tracker  *ConnectionTracker
	logger   *slog.Logger
	mux      *http.ServeMux

	// streams are cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewAdminAPI creates the admin API mounted at prefix.
func NewAdminAPI(prefix string, config AdminConfig, d *defense.Defense, resolver *ClientIPResolver, logger *slog.Logger) *AdminAPI {
	if logger == nil {
		logger = logging.Admin()
	}
	if resolver == nil {
		resolver = NewClientIPResolver(nil)
	}
	if prefix == "" {
		prefix = DefaultAdminPrefix
	}
	prefix = strings.TrimSuffix(prefix, "/")

	ctx, cancel := context.WithCancel(context.Background())
	a := &AdminAPI{
		prefix:   prefix,
		config:   config,
		defense:  d,
		auth:     NewAdminAuth(config.AdminAuthConfig, logger),
		resolver: resolver,
		tracker:  NewConnectionTracker(config.Stream.MaxConnectionsPerIP),
		logger:   logger,
		mux:      http.NewServeMux(),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.mux.HandleFunc("GET "+prefix+"/alerts", a.handleListAlerts)
	a.mux.HandleFunc("GET "+prefix+"/alerts/stream", a.handleAlertStream)
	a.mux.HandleFunc("POST "+prefix+"/alerts/{id}/acknowledge", a.handleAcknowledgeAlert)
	a.mux.HandleFunc("GET "+prefix+"/blocks", a.handleListBlocks)
	a.mux.HandleFunc("POST "+prefix+"/blocks", a.handleCreateBlock)
	a.mux.HandleFunc("DELETE "+prefix+"/blocks/{ip}", a.handleDeleteBlock)
	a.mux.HandleFunc("GET "+prefix+"/attempts", a.handleListAttempts)
	a.mux.HandleFunc("GET "+prefix+"/overview", a.handleOverview)
	return a
}

// Prefix returns the mount path.
func (a *AdminAPI) Prefix() string {
	return a.prefix
}

// Close ends every live alert stream.
func (a *AdminAPI) Close() {
	a.cancel()
}

// ServeHTTP authenticates the caller and dispatches to the endpoint.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIPFromContext(r.Context())
	if ip == "" {
		ip = a.resolver.ClientIP(r)
	}

	if !a.auth.IsIPAllowed(ip) {
		a.logger.Warn("admin_ip_denied", "client_ip", ip, "path", r.URL.Path)
		writeAccessDenied(w)
		return
	}

	operator, ok := a.auth.Authenticate(r)
	if !ok {
		a.logger.Warn("admin_auth_failed", "client_ip", ip, "path", r.URL.Path)
		if ip != defense.UnknownIP {
			a.recordUnauthorized(r, ip)
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="warden"`)
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "A valid bearer token is required")
		return
	}

	ctx := context.WithValue(r.Context(), operatorKey{}, operator)
	a.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (a *AdminAPI) recordUnauthorized(r *http.Request, ip string) {
	endpoint := r.Method + " " + r.URL.Path
	ua := r.UserAgent()
	a.defense.Record(context.WithoutCancel(r.Context()), models.IntrusionAttempt{
		IPAddress:  ip,
		UserAgent:  &ua,
		AttackType: models.AttackUnauthorizedAccess,
		Endpoint:   &endpoint,
		Severity:   models.SeverityMedium,
	})
}

func operatorFrom(ctx context.Context) string {
	name, _ := ctx.Value(operatorKey{}).(string)
	return name
}

// queryInt parses a non-negative integer query parameter. Missing or
// malformed values yield zero, which means the default.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func (a *AdminAPI) internalError(w http.ResponseWriter, op string, err error) {
	a.logger.Error("admin_request_failed", "op", op, "error", err)
	writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "The request could not be completed")
}

// handleListAlerts handles GET /alerts?limit=&all=.
func (a *AdminAPI) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.defense.Alerts().List(r.Context(), models.AlertFilter{
		IncludeAcknowledged: queryBool(r, "all"),
		Limit:               queryInt(r, "limit"),
	})
	if err != nil {
		a.internalError(w, "list_alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.SecurityAlert{}
	}
	writeJSONOK(w, alerts)
}

// handleAcknowledgeAlert handles POST /alerts/{id}/acknowledge.
func (a *AdminAPI) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	operator := operatorFrom(r.Context())

	err := a.defense.Alerts().Acknowledge(r.Context(), id, operator)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", "Alert not found")
		return
	case err != nil:
		a.internalError(w, "acknowledge_alert", err)
		return
	}
	writeJSONOK(w, map[string]any{
		"id":             id,
		"acknowledged":   true,
		"acknowledgedBy": operator,
	})
}

// handleListBlocks handles GET /blocks.
func (a *AdminAPI) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := a.defense.Registry().ListActive(r.Context())
	if err != nil {
		a.internalError(w, "list_blocks", err)
		return
	}
	if blocks == nil {
		blocks = []models.IPBlock{}
	}
	writeJSONOK(w, blocks)
}

// handleCreateBlock handles POST /blocks.
func (a *AdminAPI) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var body blockRequestBody
	if !parseJSONBody(w, r, maxAdminBodyBytes, &body) {
		return
	}

	req := defense.BlockRequest{
		IPAddress: body.IPAddress,
		Reason:    body.Reason,
		Severity:  models.Severity(body.Severity),
		BlockedBy: operatorFrom(r.Context()),
	}
	if body.DurationMinutes != nil {
		req.Duration = time.Duration(*body.DurationMinutes) * time.Minute
		if req.Duration == 0 {
			// Zero means permanent to the registry; omit the field for that.
			req.Duration = -1
		}
	}

	block, err := a.defense.Registry().Block(r.Context(), req)
	if err != nil {
		var verr *defense.ValidationError
		if errors.As(err, &verr) {
			writeValidationError(w, "Invalid block request", verr.Fields)
			return
		}
		a.internalError(w, "create_block", err)
		return
	}
	writeJSONCreated(w, block)
}

// handleDeleteBlock handles DELETE /blocks/{ip}.
func (a *AdminAPI) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")

	err := a.defense.Registry().Unblock(r.Context(), ip, operatorFrom(r.Context()))
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeErrorJSON(w, http.StatusNotFound, "not_found", "No active block for "+ip)
		return
	case err != nil:
		a.internalError(w, "delete_block", err)
		return
	}
	writeJSONOK(w, map[string]any{"ipAddress": ip, "unblocked": true})
}

// handleListAttempts handles GET /attempts?limit=.
func (a *AdminAPI) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := a.defense.Ledger().Recent(r.Context(), queryInt(r, "limit"))
	if err != nil {
		a.internalError(w, "list_attempts", err)
		return
	}
	if attempts == nil {
		attempts = []models.IntrusionAttempt{}
	}
	writeJSONOK(w, attempts)
}

// handleOverview handles GET /overview.
func (a *AdminAPI) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := a.defense.Overview(r.Context())
	if err != nil {
		a.internalError(w, "overview", err)
		return
	}
	writeJSONOK(w, overview)
}

// handleAlertStream handles GET /alerts/stream, pushing each new alert to
// the client as it is raised.
func (a *AdminAPI) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	ip := ClientIPFromContext(r.Context())
	if ip == "" {
		ip = a.resolver.ClientIP(r)
	}

	if !a.tracker.TryAdd(ip) {
		a.logger.Warn("alert_stream_rejected", "client_ip", ip, "reason", "too many connections",
			"open", a.tracker.Count(ip))
		writeErrorJSON(w, http.StatusTooManyRequests, "too_many_connections", "Too many concurrent streams")
		return
	}

	upgrader := newStreamUpgrader(a.config.Stream, func(origin, host string, allowed bool, reason string) {
		a.logger.Debug("ws_origin_check", "origin", origin, "host", host, "allowed", allowed, "reason", reason)
	})
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.tracker.Remove(ip)
		a.logger.Warn("alert_stream_upgrade_failed", "client_ip", ip, "error", err)
		return
	}

	operator := operatorFrom(r.Context())
	ws := NewWSConn(WSConnConfig{
		Conn:     conn,
		Config:   a.config.Stream,
		Logger:   a.logger,
		ClientIP: ip,
		Tracker:  a.tracker,
	})
	alerts, unsubscribe := a.defense.Alerts().Subscribe()
	ctx, cancel := context.WithCancel(a.ctx)

	a.logger.Info("alert_stream_opened", "client_ip", ip, "operator", operator,
		"subscribers", a.defense.Alerts().SubscriberCount())
	ws.SendMessage(WSMsgTypeConnected, map[string]string{"operator": operator})

	go ws.ReadPump(cancel)
	go func() {
		defer func() {
			unsubscribe()
			ws.ReleaseConnectionSlot()
			a.logger.Info("alert_stream_closed", "client_ip", ip, "operator", operator)
		}()
		ws.WritePump(ctx)
	}()
	go func() {
		for {
			select {
			case alert, ok := <-alerts:
				if !ok {
					cancel()
					return
				}
				ws.SendMessage(WSMsgTypeAlert, alert)
			case <-ctx.Done():
				return
			}
		}
	}()
}
