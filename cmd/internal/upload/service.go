// Package upload authenticates signed telemetry uploads and hands accepted
// payloads to the forwarder.
//
// An attempt moves through header validation, clock-skew check, identity
// lookup, replay pre-check, payload verification, signature verification,
// nonce commit and forwarding. Each attempt writes exactly one audit row at
// its final decision.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"relay/cmd/internal/audit"
	"relay/cmd/internal/credential"
	"relay/cmd/internal/nonce"
	"relay/cmd/security/sealer"
	"relay/cmd/security/signature"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// Config holds the pipeline limits.
type Config struct {
	MaxClockSkew    time.Duration
	NonceTTL        time.Duration
	MaxPayloadBytes int64
	SinkEndpoint    string
}

// Validate fails fast on limits that would disable a check.
func (c Config) Validate() error {
	switch {
	case c.MaxClockSkew < time.Second:
		return fmt.Errorf("%w: max clock skew must be at least 1s", ErrInvalidConfig)
	case c.NonceTTL <= 0:
		return fmt.Errorf("%w: nonce ttl must be positive", ErrInvalidConfig)
	case c.NonceTTL < c.MaxClockSkew:
		return fmt.Errorf("%w: nonce ttl must cover the clock skew window", ErrInvalidConfig)
	case c.MaxPayloadBytes <= 0:
		return fmt.Errorf("%w: max payload bytes must be positive", ErrInvalidConfig)
	case c.SinkEndpoint == "":
		return fmt.Errorf("%w: sink endpoint is required", ErrInvalidConfig)
	}
	return nil
}

// Request is an upload as delivered by the transport layer. Payload is
// already capped; Oversize reports that the transport stopped reading at
// the cap.
type Request struct {
	Method   string
	Path     string
	Headers  http.Header
	Metadata json.RawMessage
	Payload  []byte
	Oversize bool
	IP       string
}

// Result describes an accepted upload. RequestID is also set on failure.
type Result struct {
	RequestID         string
	VerifiedHash      string
	ExternalMessageID string
}

// Submission is what the forwarder receives for an accepted upload.
type Submission struct {
	RequestID    string
	ClientID     string
	Metadata     json.RawMessage
	Payload      []byte
	VerifiedHash string
}

// Forwarder delivers an accepted upload to the sink and returns the sink's
// message id. It is called at most once per accepted request.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, s Submission) (string, error)
}

// Kicker starts opportunistic nonce cleanup.
type Kicker interface {
	Kick() bool
}

// Observer receives the outcome of each attempt. Outcome is "forwarded",
// "rejected" or "error"; code is empty unless rejected.
type Observer interface {
	ObserveUpload(outcome, code string)
}

// Service runs the upload authentication pipeline.
type Service struct {
	cfg       Config
	creds     credential.Store
	nonces    nonce.Ledger
	audits    audit.Store
	forwarder Forwarder

	sealer   sealer.Sealer
	janitor  Kicker
	observer Observer
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	validate *validator.Validate
}

// Option configures the Service.
type Option func(*Service)

// WithSealer opens sealed client secrets.
func WithSealer(sl sealer.Sealer) Option {
	return func(s *Service) {
		if sl != nil {
			s.sealer = sl
		}
	}
}

// WithJanitor enables opportunistic cleanup after each nonce commit.
func WithJanitor(k Kicker) Option {
	return func(s *Service) { s.janitor = k }
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRequestIDs overrides request id generation.
func WithRequestIDs(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService constructs a Service.
func NewService(cfg Config, creds credential.Store, nonces nonce.Ledger, audits audit.Store, fwd Forwarder, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil || nonces == nil || audits == nil || fwd == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidConfig)
	}
	s := &Service{
		cfg:       cfg,
		creds:     creds,
		nonces:    nonces,
		audits:    audits,
		forwarder: fwd,
		sealer:    sealer.Plain{},
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return ulid.Make().String() },
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// attempt tracks what is known about one upload for its audit row.
type attempt struct {
	requestID string
	clientID  *string
	ip        string
}

// AuthenticateAndForward runs one upload attempt. It returns a *Rejection for
// business failures; any other error is a storage or infrastructure failure.
func (s *Service) AuthenticateAndForward(ctx context.Context, req Request) (Result, error) {
	at := &attempt{requestID: s.newID(), ip: req.IP}
	res := Result{RequestID: at.requestID}

	hdr, err := parseAuthHeaders(req.Headers)
	if err != nil {
		return res, s.reject(ctx, at, KindAuthFailed, err)
	}

	now := s.now()
	if !withinSkew(now.Unix(), hdr.timestamp, int64(s.cfg.MaxClockSkew/time.Second)) {
		return res, s.reject(ctx, at, KindAuthFailed, errClockSkew)
	}

	cred, err := s.creds.Get(ctx, hdr.clientID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return res, s.reject(ctx, at, KindAuthFailed, errUnknownClient)
		}
		return res, s.fail(ctx, at, fmt.Errorf("credential lookup: %w", err))
	}
	if !cred.Active {
		return res, s.reject(ctx, at, KindAuthFailed, errInactiveClient)
	}
	clientID := cred.ClientID
	at.clientID = &clientID

	seen, err := s.nonces.HasSeen(ctx, clientID, hdr.nonce)
	if err != nil {
		return res, s.fail(ctx, at, fmt.Errorf("nonce lookup: %w", err))
	}
	if seen {
		return res, s.reject(ctx, at, KindNonceReplay, errSeenNonce)
	}

	if req.Oversize || int64(len(req.Payload)) > s.cfg.MaxPayloadBytes {
		return res, s.reject(ctx, at, KindFileTooLarge, errOversize)
	}
	meta, err := parseMetadata(s.validate, req.Metadata)
	if err != nil {
		return res, s.reject(ctx, at, KindPayloadInvalid, err)
	}
	size := int64(len(req.Payload))
	if *meta.FileSizeBytes != size {
		return res, s.reject(ctx, at, KindPayloadInvalid, errSizeMismatch)
	}
	sum := sha256.Sum256(req.Payload)
	verifiedHash := hex.EncodeToString(sum[:])
	if meta.FileHash != verifiedHash {
		return res, s.reject(ctx, at, KindPayloadInvalid, errHashMismatch)
	}

	secret, err := s.sealer.Open(clientID, cred.Secret)
	if err != nil {
		return res, s.fail(ctx, at, fmt.Errorf("open client secret: %w", err))
	}
	canonical := signature.Canonical(signature.Fields{
		Method:        req.Method,
		Path:          req.Path,
		ClientID:      clientID,
		Timestamp:     hdr.timestamp,
		Nonce:         hdr.nonce,
		FileHash:      verifiedHash,
		FileSizeBytes: size,
		SchemaVersion: meta.SchemaVersion,
	})
	if !signature.Verify(secret, canonical, hdr.signature) {
		return res, s.reject(ctx, at, KindAuthFailed, errSignatureDenied)
	}

	err = s.nonces.Persist(ctx, nonce.Record{
		ClientID:  clientID,
		Nonce:     hdr.nonce,
		SeenAt:    now,
		ExpiresAt: now.Add(s.cfg.NonceTTL),
	})
	if err != nil {
		if errors.Is(err, nonce.ErrDuplicate) {
			return res, s.reject(ctx, at, KindNonceReplay, errRaceNonce)
		}
		return res, s.fail(ctx, at, fmt.Errorf("nonce commit: %w", err))
	}
	if s.janitor != nil {
		s.janitor.Kick()
	}
	res.VerifiedHash = verifiedHash

	// The nonce is committed; delivery proceeds even if the client goes away.
	messageID, err := s.forwarder.Forward(context.WithoutCancel(ctx), s.cfg.SinkEndpoint, Submission{
		RequestID:    at.requestID,
		ClientID:     clientID,
		Metadata:     req.Metadata,
		Payload:      req.Payload,
		VerifiedHash: verifiedHash,
	})
	if err != nil {
		return res, s.reject(ctx, at, KindForwardFailed, err)
	}
	res.ExternalMessageID = messageID

	s.record(ctx, at, audit.StatusForwarded, nil)
	s.observe("forwarded", "")
	s.log.Info("upload.forwarded",
		"request_id", at.requestID,
		"client_id", clientID,
		"size", size,
		"file_hash", verifiedHash,
		"message_id", messageID,
	)
	return res, nil
}

func withinSkew(now, ts, maxSkew int64) bool {
	d := now - ts
	if d < 0 {
		d = -d
	}
	return d <= maxSkew
}

func (s *Service) reject(ctx context.Context, at *attempt, kind Kind, cause error) error {
	code := string(kind)
	s.record(ctx, at, audit.StatusRejected, &code)
	s.observe("rejected", code)
	s.log.Info("upload.rejected",
		"request_id", at.requestID,
		"client_id", derefOr(at.clientID, ""),
		"code", code,
		"reason", cause.Error(),
		"ip", at.ip,
	)
	return &Rejection{Kind: kind, RequestID: at.requestID, Err: cause}
}

// fail records a storage failure without a business code.
func (s *Service) fail(ctx context.Context, at *attempt, err error) error {
	s.record(ctx, at, audit.StatusRejected, nil)
	s.observe("error", "")
	s.log.Error("upload.fail",
		"request_id", at.requestID,
		"client_id", derefOr(at.clientID, ""),
		"err", err,
	)
	return err
}

// record writes the single audit row for an attempt. A failed write is
// logged and does not change the response.
func (s *Service) record(ctx context.Context, at *attempt, status audit.Status, code *string) {
	err := s.audits.Append(context.WithoutCancel(ctx), audit.Record{
		RequestID: at.requestID,
		ClientID:  at.clientID,
		Status:    status,
		ErrorCode: code,
		IP:        at.ip,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.log.Error("upload.audit.fail", "err", err, "request_id", at.requestID, "status", string(status))
	}
}

func (s *Service) observe(outcome, code string) {
	if s.observer != nil {
		s.observer.ObserveUpload(outcome, code)
	}
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
