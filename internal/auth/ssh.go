// ABOUTME: SSH public key authentication for gateway, hub and spoke agents
// ABOUTME: Verifies signatures binding timestamp, nonce, method, path and body hash

package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/store"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp.
	SSHAuthMaxAge = 5 * time.Minute

	// SSHClockSkew is how far in the future a timestamp may be.
	SSHClockSkew = time.Minute

	// SSHNonceCacheSize is the maximum number of nonces to track in memory.
	SSHNonceCacheSize = 10000

	SSHPubkeyHeader    = "X-Ssh-Pubkey"
	SSHSignatureHeader = "X-Ssh-Signature"
	SSHTimestampHeader = "X-Ssh-Timestamp"
	SSHNonceHeader     = "X-Ssh-Nonce"

	maxAgentBody = 1 << 20
)

// SSHAuthRequest contains the data sent by an agent for SSH authentication.
type SSHAuthRequest struct {
	Pubkey    string // authorized_keys format, e.g. "ssh-ed25519 AAAA..."
	Signature string // base64 of the wire-format ssh.Signature
	Timestamp int64  // unix seconds
	Nonce     string
	Method    string
	Path      string
	BodyHash  string // lowercase hex sha256 of the request body
}

// SignedMessage is the byte string the agent signs.
func (r *SSHAuthRequest) SignedMessage() []byte {
	return fmt.Appendf(nil, "%d|%s|%s|%s|%s", r.Timestamp, r.Nonce, r.Method, r.Path, r.BodyHash)
}

// SSHVerifier verifies agent signatures.
type SSHVerifier struct {
	maxAge time.Duration
	nonces ReplayCache
	now    func() time.Time
}

// NewSSHVerifier creates a verifier. A nil cache gets an in-memory one.
func NewSSHVerifier(nonces ReplayCache) *SSHVerifier {
	if nonces == nil {
		nonces = NewMemoryReplayCache(SSHAuthMaxAge, SSHNonceCacheSize)
	}
	return &SSHVerifier{maxAge: SSHAuthMaxAge, nonces: nonces, now: time.Now}
}

// Close releases the nonce cache.
func (v *SSHVerifier) Close() {
	v.nonces.Close()
}

// Verify checks the signature and returns the key fingerprint. Each
// (key, timestamp, nonce) triple is accepted once.
func (v *SSHVerifier) Verify(ctx context.Context, req *SSHAuthRequest) (fingerprint string, err error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	if req.Nonce == "" {
		return "", errors.New("missing nonce")
	}

	age := v.now().Sub(time.Unix(req.Timestamp, 0))
	if age < -SSHClockSkew {
		return "", errors.New("timestamp is in the future")
	}
	if age > v.maxAge {
		return "", fmt.Errorf("signature expired (age: %v, max: %v)", age, v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify(req.SignedMessage(), sig); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// Keyed by fingerprint so one agent cannot burn another's nonces.
	fp := ComputeFingerprint(pubkey)
	if v.nonces.Seen(ctx, fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)) {
		return "", errors.New("nonce already used (possible replay attack)")
	}
	return fp, nil
}

// ComputeFingerprint returns the lowercase hex SHA256 of the wire-format key.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ParseFingerprintFromKey parses an authorized_keys line and returns its
// fingerprint. Used when registering agents.
func ParseFingerprintFromKey(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return ComputeFingerprint(pubkey), nil
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ExtractSSHAuth reads the SSH headers and body hash from an HTTP request,
// restoring the body for the handler. It returns nil if no SSH header is set.
func ExtractSSHAuth(r *http.Request) (*SSHAuthRequest, error) {
	pubkey := r.Header.Get(SSHPubkeyHeader)
	signature := r.Header.Get(SSHSignatureHeader)
	ts := r.Header.Get(SSHTimestampHeader)
	nonce := r.Header.Get(SSHNonceHeader)
	if pubkey == "" && signature == "" && ts == "" && nonce == "" {
		return nil, nil
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxAgentBody+1))
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		if len(body) > maxAgentBody {
			return nil, errors.New("request body too large")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	timestamp, _ := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(pubkey),
		Signature: strings.TrimSpace(signature),
		Timestamp: timestamp,
		Nonce:     strings.TrimSpace(nonce),
		Method:    r.Method,
		Path:      r.URL.Path,
		BodyHash:  hashBody(body),
	}, nil
}

// SignRequest adds SSH auth headers to req. body must be the exact bytes
// that will be sent.
func SignRequest(req *http.Request, signer ssh.Signer, body []byte, at time.Time) error {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	ar := &SSHAuthRequest{
		Timestamp: at.Unix(),
		Nonce:     hex.EncodeToString(nonceBytes),
		Method:    req.Method,
		Path:      req.URL.Path,
		BodyHash:  hashBody(body),
	}
	sig, err := signer.Sign(rand.Reader, ar.SignedMessage())
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	req.Header.Set(SSHPubkeyHeader, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))))
	req.Header.Set(SSHSignatureHeader, base64.StdEncoding.EncodeToString(ssh.Marshal(sig)))
	req.Header.Set(SSHTimestampHeader, strconv.FormatInt(ar.Timestamp, 10))
	req.Header.Set(SSHNonceHeader, ar.Nonce)
	return nil
}

// AgentDirectory maps agent key fingerprints to registered agents.
type AgentDirectory interface {
	GetGatewayByAgentFingerprint(ctx context.Context, fp string) (*store.Gateway, error)
	GetMeshHubByAgentFingerprint(ctx context.Context, fp string) (*store.MeshHub, error)
	GetMeshSpokeByAgentFingerprint(ctx context.Context, fp string) (*store.MeshSpoke, error)
}

// LookupAgent resolves a fingerprint to a gateway, hub or spoke, in that order.
func LookupAgent(ctx context.Context, dir AgentDirectory, fp string) (*Agent, error) {
	g, err := dir.GetGatewayByAgentFingerprint(ctx, fp)
	if err == nil {
		return &Agent{Kind: store.HeartbeatGateway, ID: g.ID, Name: g.Name, Fingerprint: fp}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	h, err := dir.GetMeshHubByAgentFingerprint(ctx, fp)
	if err == nil {
		return &Agent{Kind: store.HeartbeatHub, ID: h.ID, Name: h.Name, Fingerprint: fp}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	sp, err := dir.GetMeshSpokeByAgentFingerprint(ctx, fp)
	if err == nil {
		return &Agent{Kind: store.HeartbeatSpoke, ID: sp.ID, Name: sp.Name, Fingerprint: fp}, nil
	}
	return nil, err
}

// AgentMiddleware authenticates SSH-signed agent requests.
func AgentMiddleware(v *SSHVerifier, dir AgentDirectory) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "auth.agent")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := ExtractSSHAuth(r)
			if err != nil {
				apperr.WriteHTTP(w, apperr.Wrap(apperr.KindValidation, err.Error(), err))
				return
			}
			if req == nil {
				apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "missing agent signature"))
				return
			}
			fp, err := v.Verify(r.Context(), req)
			if err != nil {
				logger.Info("agent signature rejected", "path", req.Path, "error", err)
				apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "invalid agent signature"))
				return
			}
			agent, err := LookupAgent(r.Context(), dir, fp)
			if errors.Is(err, store.ErrNotFound) {
				logger.Info("unregistered agent key", "fingerprint", fp)
				apperr.WriteHTTP(w, apperr.New(apperr.KindUnauthorized, "unregistered agent key"))
				return
			}
			if err != nil {
				apperr.WriteHTTP(w, err)
				return
			}
			authCtx := &AuthContext{Method: MethodAgent, Agent: agent}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
