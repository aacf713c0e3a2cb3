// Package relayapi is the HTTP transport for invite redemption and signed
// telemetry uploads.
package relayapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"relay/cmd/internal/invite"
	"relay/cmd/internal/upload"
)

// Route paths.
const (
	PathRedeem    = "/v1/invites/redeem"
	PathTelemetry = "/v1/telemetry"
)

// multipart framing allowance on top of the metadata and payload caps.
const multipartOverhead = 64 << 10

// Redeemer exchanges invite codes for credentials.
type Redeemer interface {
	Redeem(ctx context.Context, code, installID string) (invite.Issued, error)
}

// Uploader runs the upload authentication pipeline.
type Uploader interface {
	AuthenticateAndForward(ctx context.Context, req upload.Request) (upload.Result, error)
}

// Observer receives transport-level outcomes (metrics hook).
type Observer interface {
	ObserveRedemption(outcome string)
	ObserveRateLimited(route string)
}

// Handler wires relay routes to the invite and upload services.
type Handler struct {
	log *slog.Logger
	cfg Config

	redeemer Redeemer
	uploader Uploader

	uploadLimit Limiter
	redeemLimit Limiter
	observer    Observer
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLimiters sets the upload and redeem rate limiters. A nil limiter
// disables limiting for that route.
func WithLimiters(uploadLimit, redeemLimit Limiter) HandlerOption {
	return func(h *Handler) {
		if uploadLimit != nil {
			h.uploadLimit = uploadLimit
		}
		if redeemLimit != nil {
			h.redeemLimit = redeemLimit
		}
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, redeemer Redeemer, uploader Uploader, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if redeemer == nil || uploader == nil {
		return nil, errors.New("relayapi: nil service")
	}
	h := &Handler{
		log:         log,
		cfg:         cfg,
		redeemer:    redeemer,
		uploader:    uploader,
		uploadLimit: noLimit{},
		redeemLimit: noLimit{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires relay routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc(PathRedeem, h.handleRedeem)
	mux.HandleFunc(PathTelemetry, h.handleTelemetry)
}

type redeemRequest struct {
	InviteCode string `json:"invite_code"`
	InstallID  string `json:"install_id"`
}

type redeemResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type telemetryResponse struct {
	RequestID         string `json:"request_id"`
	VerifiedFileHash  string `json:"verified_file_hash"`
	ExternalMessageID string `json:"external_message_id"`
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	if !h.allow(ctx, w, h.redeemLimit, "redeem", ip) {
		return
	}

	var req redeemRequest
	if err := decodeJSON(w, r, h.cfg.MaxRedeemBytes, &req); err != nil {
		h.observeRedemption("bad_request")
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.InviteCode) == "" {
		h.observeRedemption("bad_request")
		writeError(w, http.StatusBadRequest, "invalid_request", "invite_code is required")
		return
	}

	issued, err := h.redeemer.Redeem(ctx, req.InviteCode, req.InstallID)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrInviteInvalid):
			h.redeemFailed(w, ip, http.StatusNotFound, "invite_invalid", "invite code is not valid")
		case errors.Is(err, invite.ErrInviteExpired):
			h.redeemFailed(w, ip, http.StatusGone, "invite_expired", "invite code has expired")
		case errors.Is(err, invite.ErrInviteAlreadyUsed):
			h.redeemFailed(w, ip, http.StatusConflict, "invite_already_used", "invite code has no uses left")
		case errors.Is(err, invite.ErrInvalidInput):
			h.redeemFailed(w, ip, http.StatusBadRequest, "invalid_request", "invalid request")
		default:
			h.log.Error("invite.redeem.fail", "err", err, "ip", ip)
			h.observeRedemption("error")
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		}
		return
	}

	h.observeRedemption("ok")
	h.log.Info("invite.redeemed", "client_id", issued.ClientID, "ip", ip)
	writeJSON(w, http.StatusOK, redeemResponse{
		ClientID:     issued.ClientID,
		ClientSecret: issued.ClientSecret,
	})
}

func (h *Handler) redeemFailed(w http.ResponseWriter, ip string, status int, code, msg string) {
	h.observeRedemption(code)
	h.log.Info("invite.redeem.rejected", "code", code, "ip", ip)
	writeError(w, status, code, msg)
}

func (h *Handler) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	if !h.allow(ctx, w, h.uploadLimit, "upload", ip) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPayloadBytes+h.cfg.MaxMetadataBytes+multipartOverhead)
	in, err := readUpload(r, h.cfg.MaxMetadataBytes, h.cfg.MaxPayloadBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			in = intake{oversize: true}
		}
		// Malformed bodies still go through the pipeline so the attempt is
		// authenticated and audited; empty metadata is rejected there.
		h.log.Debug("upload.intake.fail", "err", err, "ip", ip)
	}

	res, err := h.uploader.AuthenticateAndForward(ctx, upload.Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Headers:  r.Header,
		Metadata: in.metadata,
		Payload:  in.payload,
		Oversize: in.oversize,
		IP:       ip,
	})
	if err != nil {
		if rej, ok := upload.AsRejection(err); ok {
			writeRequestError(w, rej.Kind.HTTPStatus(), string(rej.Kind), rejectionMessage(rej.Kind), rej.RequestID)
			return
		}
		writeRequestError(w, http.StatusInternalServerError, "internal_error", "internal error", res.RequestID)
		return
	}

	writeJSON(w, http.StatusOK, telemetryResponse{
		RequestID:         res.RequestID,
		VerifiedFileHash:  res.VerifiedHash,
		ExternalMessageID: res.ExternalMessageID,
	})
}

func rejectionMessage(k upload.Kind) string {
	switch k {
	case upload.KindAuthFailed:
		return "authentication failed"
	case upload.KindNonceReplay:
		return "nonce already used"
	case upload.KindPayloadInvalid:
		return "payload does not match metadata"
	case upload.KindFileTooLarge:
		return "file too large"
	case upload.KindForwardFailed:
		return "forwarding to sink failed"
	default:
		return "request rejected"
	}
}

// allow applies a limiter to the client IP. Limiter errors fail open.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, l Limiter, route, ip string) bool {
	ok, retryAfter, err := l.Allow(ctx, route+":"+ip)
	if err != nil {
		h.log.Warn("ratelimit.fail", "err", err, "route", route)
		return true
	}
	if ok {
		return true
	}
	if h.observer != nil {
		h.observer.ObserveRateLimited(route)
	}
	writeRateLimited(w, retryAfter)
	return false
}

func (h *Handler) observeRedemption(outcome string) {
	if h.observer != nil {
		h.observer.ObserveRedemption(outcome)
	}
}

// clientIP returns the caller address, honoring proxy headers only when
// trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := firstForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func firstForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
