package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// Authentication failures. The error text is the message returned to the
// caller, so the wording is part of the API.
var (
	ErrIncompleteAuth    = errors.New("Incomplete HMAC authentication provided")
	ErrUnknownClient     = errors.New("Invalid user")
	ErrInvalidSignature  = errors.New("Invalid HMAC signature")
	ErrAddressNotAllowed = errors.New("Client IP not allowed")
)

// IdentityLookup fetches an identity with its signing key. Returning
// (nil, nil) means the client id is unknown; a non-nil error is an
// infrastructure failure, not an authentication verdict.
type IdentityLookup func(ctx context.Context, clientID string) (*db.Identity, error)

// Config configures an Authenticator.
type Config struct {
	Lookup IdentityLookup
	// TrustedProxies lists CIDRs (or bare addresses) whose
	// X-Forwarded-For header is believed for the client address.
	TrustedProxies []string
	// Drift overrides the accepted timestamp skew. Zero means DefaultDrift.
	Drift  time.Duration
	Logger *zap.Logger

	now func() time.Time
}

// Authenticator validates signed requests against stored identities.
type Authenticator struct {
	lookup  IdentityLookup
	proxies []netip.Prefix
	drift   time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Lookup == nil {
		return nil, errors.New("auth: lookup is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("auth: logger is required")
	}

	proxies := make([]netip.Prefix, 0, len(cfg.TrustedProxies))
	for _, raw := range cfg.TrustedProxies {
		prefix, err := parsePrefixOrAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("auth: trusted proxy %q: %w", raw, err)
		}
		proxies = append(proxies, prefix)
	}

	drift := cfg.Drift
	if drift <= 0 {
		drift = DefaultDrift
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	return &Authenticator{
		lookup:  cfg.Lookup,
		proxies: proxies,
		drift:   drift,
		logger:  cfg.Logger,
		now:     now,
	}, nil
}

// Authenticate resolves the identity behind a request. body must be the
// full request body as signed by the client. An unsigned request (no
// authentication headers at all) yields (nil, nil): anonymous access, left
// for the authorization layer to reject where it matters.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*db.Identity, error) {
	clientID := r.Header.Get(HeaderClientID)
	timestamp := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)

	if clientID == "" && timestamp == "" && signature == "" {
		return nil, nil
	}
	if clientID == "" || timestamp == "" || signature == "" {
		return nil, ErrIncompleteAuth
	}

	identity, err := a.lookup(r.Context(), clientID)
	if err != nil {
		return nil, fmt.Errorf("auth: lookup %q: %w", clientID, err)
	}
	if identity == nil || identity.HMACKey == "" {
		return nil, ErrUnknownClient
	}

	signer, err := NewSigner(identity.HMACKey)
	if err != nil {
		a.logger.Warn("stored signing key is not valid base64",
			zap.String("client_id", clientID))
		return nil, ErrUnknownClient
	}
	signer.drift = a.drift
	signer.now = a.now
	if !signer.Verify(r.Method, r.URL.Path, timestamp, signature, body) {
		return nil, ErrInvalidSignature
	}

	peer, ok := a.PeerAddr(r)
	if !ok {
		return nil, ErrAddressNotAllowed
	}
	if !a.addrAllowed(peer, identity.AllowedCIDRs) {
		a.logger.Warn("client address outside allowed ranges",
			zap.String("client_id", clientID),
			zap.Stringer("peer", peer))
		return nil, ErrAddressNotAllowed
	}

	// The signing key never travels past this point.
	out := *identity
	out.HMACKey = ""
	return &out, nil
}

// PeerAddr resolves the effective client address for a request: the socket
// peer, unless that peer is a trusted proxy, in which case the leftmost
// X-Forwarded-For entry. IPv4-mapped IPv6 addresses are unmapped.
func (a *Authenticator) PeerAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()

	if len(a.proxies) == 0 || !prefixesContain(a.proxies, addr) {
		return addr, true
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return addr, true
	}
	// The leftmost entry is the originating client; anything after it
	// was appended by intermediaries.
	first, _, _ := strings.Cut(forwarded, ",")
	origin, err := netip.ParseAddr(strings.TrimSpace(first))
	if err != nil {
		return netip.Addr{}, false
	}
	return origin.Unmap(), true
}

func (a *Authenticator) addrAllowed(addr netip.Addr, cidrs []string) bool {
	for _, raw := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			a.logger.Warn("skipping unparseable allowed_cidrs entry",
				zap.String("cidr", raw))
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixOrAddr(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if prefix, err := netip.ParsePrefix(raw); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func prefixesContain(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
