package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/cmd/internal/audit"
	"relay/cmd/internal/credential"
	"relay/cmd/internal/nonce"
	"relay/cmd/security/sealer"
	"relay/cmd/security/signature"
)

const (
	testClientID = "cli_test"
	testSecret   = "sec_test_secret"
	testMethod   = "POST"
	testPath     = "/v1/telemetry"
	testNonce    = "7f0c2a52-3c4e-4d0b-9a55-2a7c1e9b6f10"
)

var testNow = time.Unix(1_760_000_000, 0).UTC()

type fakeForwarder struct {
	mu    sync.Mutex
	calls int
	err   error
	last  Submission
}

func (f *fakeForwarder) Forward(_ context.Context, endpoint string, s Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = s
	if f.err != nil {
		return "", f.err
	}
	return "msg-" + strconv.Itoa(f.calls) + "@" + endpoint, nil
}

func (f *fakeForwarder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingKicker struct {
	mu sync.Mutex
	n  int
}

func (k *countingKicker) Kick() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.n++
	return true
}

type harness struct {
	svc    *Service
	creds  *credential.MemoryStore
	nonces *nonce.MemoryStore
	audits *audit.MemoryStore
	fwd    *fakeForwarder
	kicker *countingKicker
	cfg    Config
	secret string
}

func testConfig() Config {
	return Config{
		MaxClockSkew:    300 * time.Second,
		NonceTTL:        10 * time.Minute,
		MaxPayloadBytes: 1024,
		SinkEndpoint:    "https://sink.example/hook",
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		creds:  credential.NewMemoryStore(),
		nonces: nonce.NewMemoryStore(),
		audits: audit.NewMemoryStore(),
		fwd:    &fakeForwarder{},
		kicker: &countingKicker{},
		cfg:    cfg,
		secret: testSecret,
	}
	if err := h.creds.Insert(context.Background(), credential.Credential{
		ClientID:  testClientID,
		Secret:    testSecret,
		Active:    true,
		CreatedAt: testNow.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("insert credential: %v", err)
	}
	h.svc = h.newService(t, h.creds, h.nonces, opts...)
	return h
}

func (h *harness) newService(t *testing.T, creds credential.Store, ledger nonce.Ledger, opts ...Option) *Service {
	t.Helper()

	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithJanitor(h.kicker),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	svc, err := NewService(h.cfg, creds, ledger, h.audits, h.fwd, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func metadataFor(hash string, size int64, schemaVersion string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"file_hash":       hash,
		"file_size_bytes": size,
		"schema_version":  schemaVersion,
		"mod_version":     "2.3.1",
	})
	return b
}

// signedRequest builds a correctly signed upload of payload.
func (h *harness) signedRequest(payload []byte, nonceVal string, ts int64) Request {
	hash := hashHex(payload)
	size := int64(len(payload))
	canonical := signature.Canonical(signature.Fields{
		Method:        testMethod,
		Path:          testPath,
		ClientID:      testClientID,
		Timestamp:     ts,
		Nonce:         nonceVal,
		FileHash:      hash,
		FileSizeBytes: size,
		SchemaVersion: "1",
	})
	headers := http.Header{}
	headers.Set(HeaderClientID, testClientID)
	headers.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	headers.Set(HeaderNonce, nonceVal)
	headers.Set(HeaderSignature, signature.Sign(h.secret, canonical))
	return Request{
		Method:   testMethod,
		Path:     testPath,
		Headers:  headers,
		Metadata: metadataFor(hash, size, "1"),
		Payload:  payload,
		IP:       "203.0.113.7",
	}
}

func expectRejection(t *testing.T, err error, kind Kind) *Rejection {
	t.Helper()

	rej, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected %s rejection, got %v", kind, err)
	}
	if rej.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, rej.Kind, rej.Err)
	}
	if rej.RequestID == "" {
		t.Fatalf("rejection must carry a request id")
	}
	return rej
}

func TestAuthenticateAndForward_AcceptThenReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	ctx := context.Background()
	payload := []byte(strings.Repeat("x", 42))
	req := h.signedRequest(payload, testNonce, testNow.Unix())

	res, err := h.svc.AuthenticateAndForward(ctx, req)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if res.VerifiedHash != hashHex(payload) {
		t.Fatalf("unexpected verified hash %q", res.VerifiedHash)
	}
	if res.ExternalMessageID == "" || res.RequestID == "" {
		t.Fatalf("expected message id and request id, got %+v", res)
	}
	if h.fwd.last.RequestID != res.RequestID || h.fwd.last.VerifiedHash != res.VerifiedHash {
		t.Fatalf("forwarder got unexpected submission: %+v", h.fwd.last)
	}

	_, err = h.svc.AuthenticateAndForward(ctx, req)
	expectRejection(t, err, KindNonceReplay)
	if h.fwd.Calls() != 1 {
		t.Fatalf("expected one forward, got %d", h.fwd.Calls())
	}

	rows := h.audits.Records()
	if len(rows) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(rows))
	}
	if rows[0].Status != audit.StatusForwarded || rows[0].ErrorCode != nil || rows[0].RequestID != res.RequestID {
		t.Fatalf("unexpected first audit row: %+v", rows[0])
	}
	if rows[1].Status != audit.StatusRejected || rows[1].ErrorCode == nil || *rows[1].ErrorCode != string(KindNonceReplay) {
		t.Fatalf("unexpected second audit row: %+v", rows[1])
	}
	for _, r := range rows {
		if r.ClientID == nil || *r.ClientID != testClientID || r.IP != "203.0.113.7" {
			t.Fatalf("audit row missing identity: %+v", r)
		}
	}
	if h.kicker.n != 1 {
		t.Fatalf("expected one cleanup kick, got %d", h.kicker.n)
	}
}

func TestAuthenticateAndForward_HashMismatchKeepsNonceFree(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	ctx := context.Background()
	payload := []byte("telemetry-body")

	tampered := h.signedRequest(payload, testNonce, testNow.Unix())
	tampered.Payload = []byte("telemetry-BODY")

	_, err := h.svc.AuthenticateAndForward(ctx, tampered)
	expectRejection(t, err, KindPayloadInvalid)
	if h.nonces.Len() != 0 {
		t.Fatalf("rejected payload must not consume the nonce")
	}

	if _, err := h.svc.AuthenticateAndForward(ctx, h.signedRequest(payload, testNonce, testNow.Unix())); err != nil {
		t.Fatalf("corrected resubmission: %v", err)
	}
	if got := len(h.audits.Records()); got != 2 {
		t.Fatalf("expected 2 audit rows, got %d", got)
	}
}

func TestAuthenticateAndForward_ForwardFailureThenReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	ctx := context.Background()
	req := h.signedRequest([]byte("payload"), testNonce, testNow.Unix())

	h.fwd.err = errors.New("sink returned 500")
	res, err := h.svc.AuthenticateAndForward(ctx, req)
	expectRejection(t, err, KindForwardFailed)
	if res.VerifiedHash == "" {
		t.Fatalf("verified hash must be reported once the nonce is committed")
	}
	seen, _ := h.nonces.HasSeen(ctx, testClientID, testNonce)
	if !seen {
		t.Fatalf("nonce must stay committed after a failed forward")
	}

	h.fwd.err = nil
	_, err = h.svc.AuthenticateAndForward(ctx, req)
	expectRejection(t, err, KindNonceReplay)
	if h.fwd.Calls() != 1 {
		t.Fatalf("retry must not reach the forwarder, got %d calls", h.fwd.Calls())
	}

	rows := h.audits.Records()
	if len(rows) != 2 || *rows[0].ErrorCode != string(KindForwardFailed) {
		t.Fatalf("unexpected audit rows: %+v", rows)
	}
}

func TestAuthenticateAndForward_ClockSkewBoundary(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	skew := int64(cfg.MaxClockSkew / time.Second)
	cases := []struct {
		name   string
		offset int64
		ok     bool
	}{
		{"exact now", 0, true},
		{"past edge", -skew, true},
		{"future edge", skew, true},
		{"past beyond", -skew - 1, false},
		{"future beyond", skew + 1, false},
	}

	h := newHarness(t, cfg)
	for i, tc := range cases {
		nonceVal := fmt.Sprintf("7f0c2a52-3c4e-4d0b-9a55-2a7c1e9b6f%02d", i)
		_, err := h.svc.AuthenticateAndForward(context.Background(), h.signedRequest([]byte("p"), nonceVal, testNow.Unix()+tc.offset))
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			expectRejection(t, err, KindAuthFailed)
		}
	}
}

func TestAuthenticateAndForward_HeaderValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		value  string
	}{
		{"missing client id", HeaderClientID, ""},
		{"missing signature", HeaderSignature, ""},
		{"non-numeric timestamp", HeaderTimestamp, "17600000a0"},
		{"signed timestamp", HeaderTimestamp, "+1760000000"},
		{"nonce not uuid", HeaderNonce, "not-a-uuid"},
		{"braced uuid nonce", HeaderNonce, "{7f0c2a52-3c4e-4d0b-9a55-2a7c1e9b6f10}"},
		{"uppercase signature", HeaderSignature, strings.Repeat("AB", 32)},
		{"short signature", HeaderSignature, strings.Repeat("ab", 31)},
	}

	for _, tc := range cases {
		h := newHarness(t, testConfig())
		req := h.signedRequest([]byte("p"), testNonce, testNow.Unix())
		req.Headers.Set(tc.header, tc.value)

		_, err := h.svc.AuthenticateAndForward(context.Background(), req)
		expectRejection(t, err, KindAuthFailed)

		rows := h.audits.Records()
		if len(rows) != 1 || rows[0].ClientID != nil {
			t.Fatalf("%s: expected one anonymous audit row, got %+v", tc.name, rows)
		}
	}
}

func TestAuthenticateAndForward_IdentityFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown client", func(t *testing.T) {
		h := newHarness(t, testConfig())
		req := h.signedRequest([]byte("p"), testNonce, testNow.Unix())
		req.Headers.Set(HeaderClientID, "cli_other")
		_, err := h.svc.AuthenticateAndForward(ctx, req)
		expectRejection(t, err, KindAuthFailed)
		if rows := h.audits.Records(); rows[0].ClientID != nil {
			t.Fatalf("identity must not be established for unknown clients")
		}
	})

	t.Run("inactive client", func(t *testing.T) {
		h := newHarness(t, testConfig())
		if err := h.creds.Deactivate(ctx, testClientID, testNow); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		_, err := h.svc.AuthenticateAndForward(ctx, h.signedRequest([]byte("p"), testNonce, testNow.Unix()))
		expectRejection(t, err, KindAuthFailed)
	})

	t.Run("wrong secret", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.secret = "sec_wrong"
		_, err := h.svc.AuthenticateAndForward(ctx, h.signedRequest([]byte("p"), testNonce, testNow.Unix()))
		expectRejection(t, err, KindAuthFailed)
		if h.nonces.Len() != 0 {
			t.Fatalf("bad signature must not consume the nonce")
		}
		rows := h.audits.Records()
		if rows[0].ClientID == nil || *rows[0].ClientID != testClientID {
			t.Fatalf("identity is established before signature verification: %+v", rows[0])
		}
	})

	t.Run("schema version is signed", func(t *testing.T) {
		h := newHarness(t, testConfig())
		req := h.signedRequest([]byte("p"), testNonce, testNow.Unix())
		req.Metadata = metadataFor(hashHex([]byte("p")), 1, "2")
		_, err := h.svc.AuthenticateAndForward(ctx, req)
		expectRejection(t, err, KindAuthFailed)
	})
}

func TestAuthenticateAndForward_PayloadChecks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxPayloadBytes = 16
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Request)
		kind   Kind
	}{
		{"over cap", func(r *Request) { r.Payload = make([]byte, 17) }, KindFileTooLarge},
		{"transport oversize", func(r *Request) { r.Oversize = true }, KindFileTooLarge},
		{"not json", func(r *Request) { r.Metadata = json.RawMessage(`file_hash=abc`) }, KindPayloadInvalid},
		{"empty metadata", func(r *Request) { r.Metadata = nil }, KindPayloadInvalid},
		{"missing schema version", func(r *Request) { r.Metadata = metadataFor(hashHex([]byte("p")), 1, "") }, KindPayloadInvalid},
		{"missing size", func(r *Request) {
			r.Metadata = json.RawMessage(`{"file_hash":"` + hashHex([]byte("p")) + `","schema_version":"1"}`)
		}, KindPayloadInvalid},
		{"size mismatch", func(r *Request) { r.Metadata = metadataFor(hashHex([]byte("p")), 2, "1") }, KindPayloadInvalid},
		{"short hash", func(r *Request) { r.Metadata = metadataFor("abcd", 1, "1") }, KindPayloadInvalid},
	}

	for _, tc := range cases {
		h := newHarness(t, cfg)
		req := h.signedRequest([]byte("p"), testNonce, testNow.Unix())
		tc.mutate(&req)

		_, err := h.svc.AuthenticateAndForward(ctx, req)
		rej := expectRejection(t, err, tc.kind)
		if rej.Kind.HTTPStatus() != tc.kind.HTTPStatus() {
			t.Fatalf("%s: status mismatch", tc.name)
		}
		if h.nonces.Len() != 0 || h.fwd.Calls() != 0 {
			t.Fatalf("%s: rejected payload must not commit or forward", tc.name)
		}
		if len(h.audits.Records()) != 1 {
			t.Fatalf("%s: expected exactly one audit row", tc.name)
		}
	}
}

// racingLedger hides committed nonces from HasSeen so Persist is the only guard.
type racingLedger struct {
	*nonce.MemoryStore
}

func (racingLedger) HasSeen(context.Context, string, string) (bool, error) { return false, nil }

func TestAuthenticateAndForward_PersistRaceIsReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	ledger := racingLedger{MemoryStore: nonce.NewMemoryStore()}
	svc := h.newService(t, h.creds, ledger)
	ctx := context.Background()
	req := h.signedRequest([]byte("p"), testNonce, testNow.Unix())

	if _, err := svc.AuthenticateAndForward(ctx, req); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	_, err := svc.AuthenticateAndForward(ctx, req)
	expectRejection(t, err, KindNonceReplay)
	if h.fwd.Calls() != 1 {
		t.Fatalf("expected one forward, got %d", h.fwd.Calls())
	}
}

func TestAuthenticateAndForward_ConcurrentIdenticalRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	req := h.signedRequest([]byte("p"), testNonce, testNow.Unix())

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.AuthenticateAndForward(context.Background(), req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		expectRejection(t, err, KindNonceReplay)
	}
	if accepted != 1 || h.fwd.Calls() != 1 {
		t.Fatalf("expected exactly one accepted forward, got accepted=%d calls=%d", accepted, h.fwd.Calls())
	}
	if got := len(h.audits.Records()); got != n {
		t.Fatalf("expected %d audit rows, got %d", n, got)
	}
}

type failingCredentials struct{ err error }

func (f failingCredentials) Get(context.Context, string) (credential.Credential, error) {
	return credential.Credential{}, f.err
}
func (f failingCredentials) Insert(context.Context, credential.Credential) error { return f.err }
func (f failingCredentials) Deactivate(context.Context, string, time.Time) error { return f.err }

type failingLedger struct{ err error }

func (f failingLedger) HasSeen(context.Context, string, string) (bool, error) { return false, f.err }
func (f failingLedger) Persist(context.Context, nonce.Record) error { return f.err }
func (f failingLedger) CleanupExpired(context.Context, time.Time) (int64, error) {
	return 0, f.err
}

func TestAuthenticateAndForward_StorageFailuresPropagate(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("connection refused")
	ctx := context.Background()

	t.Run("credential store", func(t *testing.T) {
		h := newHarness(t, testConfig())
		svc := h.newService(t, failingCredentials{err: storeErr}, h.nonces)
		res, err := svc.AuthenticateAndForward(ctx, h.signedRequest([]byte("p"), testNonce, testNow.Unix()))
		if !errors.Is(err, storeErr) {
			t.Fatalf("expected storage error, got %v", err)
		}
		if _, ok := AsRejection(err); ok {
			t.Fatalf("storage failures must not become business rejections")
		}
		rows := h.audits.Records()
		if len(rows) != 1 || rows[0].Status != audit.StatusRejected || rows[0].ErrorCode != nil || rows[0].RequestID != res.RequestID {
			t.Fatalf("unexpected audit rows: %+v", rows)
		}
	})

	t.Run("nonce ledger", func(t *testing.T) {
		h := newHarness(t, testConfig())
		svc := h.newService(t, h.creds, failingLedger{err: storeErr})
		_, err := svc.AuthenticateAndForward(ctx, h.signedRequest([]byte("p"), testNonce, testNow.Unix()))
		if !errors.Is(err, storeErr) {
			t.Fatalf("expected storage error, got %v", err)
		}
		rows := h.audits.Records()
		if len(rows) != 1 || rows[0].ClientID == nil {
			t.Fatalf("expected one audit row with identity, got %+v", rows)
		}
		if h.fwd.Calls() != 0 {
			t.Fatalf("storage failure must not forward")
		}
	})
}

func TestAuthenticateAndForward_SealedSecret(t *testing.T) {
	t.Parallel()

	sl, err := sealer.NewXChaCha(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := sl.Seal("cli_sealed", testSecret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	h := newHarness(t, testConfig(), WithSealer(sl))
	if err := h.creds.Insert(context.Background(), credential.Credential{
		ClientID:  "cli_sealed",
		Secret:    sealed,
		Active:    true,
		CreatedAt: testNow,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	payload := []byte("p")
	hash := hashHex(payload)
	canonical := signature.Canonical(signature.Fields{
		Method:        testMethod,
		Path:          testPath,
		ClientID:      "cli_sealed",
		Timestamp:     testNow.Unix(),
		Nonce:         testNonce,
		FileHash:      hash,
		FileSizeBytes: 1,
		SchemaVersion: "1",
	})
	headers := http.Header{}
	headers.Set(HeaderClientID, "cli_sealed")
	headers.Set(HeaderTimestamp, strconv.FormatInt(testNow.Unix(), 10))
	headers.Set(HeaderNonce, testNonce)
	headers.Set(HeaderSignature, signature.Sign(testSecret, canonical))

	_, err = h.svc.AuthenticateAndForward(context.Background(), Request{
		Method:   testMethod,
		Path:     testPath,
		Headers:  headers,
		Metadata: metadataFor(hash, 1, "1"),
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("sealed secret upload: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	ok := testConfig()
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	cases := []func(*Config){
		func(c *Config) { c.MaxClockSkew = 0 },
		func(c *Config) { c.NonceTTL = 0 },
		func(c *Config) { c.NonceTTL = c.MaxClockSkew - time.Second },
		func(c *Config) { c.MaxPayloadBytes = 0 },
		func(c *Config) { c.SinkEndpoint = "" },
	}
	for i, mutate := range cases {
		c := testConfig()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestKindHTTPStatus(t *testing.T) {
	t.Parallel()

	want := map[Kind]int{
		KindAuthFailed:     http.StatusUnauthorized,
		KindNonceReplay:    http.StatusConflict,
		KindPayloadInvalid: http.StatusUnprocessableEntity,
		KindFileTooLarge:   http.StatusRequestEntityTooLarge,
		KindForwardFailed:  http.StatusBadGateway,
	}
	for k, status := range want {
		if got := k.HTTPStatus(); got != status {
			t.Fatalf("%s: expected %d, got %d", k, status, got)
		}
	}
}
