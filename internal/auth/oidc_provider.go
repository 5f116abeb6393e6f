package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/hitoshi/jitauth/internal/model"
	"github.com/hitoshi/jitauth/internal/security"
)

const (
	defaultJWKSCacheTTL    = 6 * time.Hour
	defaultRefreshInterval = time.Minute
	defaultHTTPTimeout     = 10 * time.Second
	maxMetadataSize        = 1 << 20

	tenantPlaceholder = "{tenantid}"
)

// IssuerConfig はトークン発行者ごとの検証設定。
type IssuerConfig struct {
	Provider     model.Provider
	DiscoveryURL string
	// JWKSURL を指定した場合はディスカバリーを行わない。
	JWKSURL string
	// Issuers は受け入れるissの一覧。"{tenantid}" を含むパターンも指定できる。
	Issuers    []string
	Audience   string
	Algorithms []string
}

// PresetIssuer はIdPごとの既定設定を返す。clientIDが空、またはプリセットがない場合はfalse。
// GitHubはIDトークンを発行しないためプリセットを持たない。
func PresetIssuer(provider model.Provider, clientID string) (IssuerConfig, bool) {
	if strings.TrimSpace(clientID) == "" {
		return IssuerConfig{}, false
	}
	cfg := IssuerConfig{Provider: provider, Audience: clientID, Algorithms: []string{"RS256"}}
	switch provider {
	case model.ProviderGoogle:
		cfg.DiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
		cfg.Issuers = []string{"accounts.google.com", "https://accounts.google.com"}
	case model.ProviderApple:
		cfg.DiscoveryURL = "https://appleid.apple.com/.well-known/openid-configuration"
		cfg.Issuers = []string{"https://appleid.apple.com"}
	case model.ProviderMicrosoft:
		cfg.DiscoveryURL = "https://login.microsoftonline.com/common/v2.0/.well-known/openid-configuration"
		cfg.Issuers = []string{"https://login.microsoftonline.com/" + tenantPlaceholder + "/v2.0"}
	case model.ProviderFacebook:
		cfg.DiscoveryURL = "https://www.facebook.com/.well-known/openid-configuration/"
		cfg.Issuers = []string{"https://www.facebook.com"}
	case model.ProviderLine:
		cfg.DiscoveryURL = "https://access.line.me/.well-known/openid-configuration"
		cfg.Issuers = []string{"https://access.line.me"}
		cfg.Algorithms = []string{"ES256"}
	default:
		return IssuerConfig{}, false
	}
	return cfg, true
}

// URLValidator は取得先URLを事前検証する。security.SSRFGuardServiceが実装する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// OIDCConfig はOIDCProviderの設定。
type OIDCConfig struct {
	Issuers []IssuerConfig
	// HTTPClient が未指定の場合はSSRF防止付きクライアントを使う。
	HTTPClient *http.Client
	// URLValidator はディスカバリー、JWKSのURLに適用する。nilの場合は検証しない。
	URLValidator URLValidator
	Sanitizer    security.NameSanitizerService
	JWKSCacheTTL time.Duration
	// RefreshInterval は未知のkidによるJWKS再取得の最小間隔。
	RefreshInterval time.Duration
	// Leeway は時刻検証の猶予。0以下は猶予なし。
	Leeway time.Duration
	Logger *slog.Logger
}

// OIDCProvider はOpenID ConnectのIDトークンを検証するIdentityProvider実装。
type OIDCProvider struct {
	verifiers []*issuerVerifier
	sanitizer security.NameSanitizerService
	leeway    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewOIDCProvider はOIDCProviderを生成する。
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	if len(cfg.Issuers) == 0 {
		return nil, fmt.Errorf("at least one issuer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = security.NewSSRFGuard().NewSafeClient(defaultHTTPTimeout, maxMetadataSize)
	}
	if cfg.Sanitizer == nil {
		cfg.Sanitizer = security.NewNameSanitizer()
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = defaultJWKSCacheTTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.Leeway < 0 {
		cfg.Leeway = 0
	}

	p := &OIDCProvider{
		sanitizer: cfg.Sanitizer,
		leeway:    cfg.Leeway,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	for _, ic := range cfg.Issuers {
		if !ic.Provider.Valid() {
			return nil, fmt.Errorf("issuer has unsupported provider %q", ic.Provider)
		}
		if strings.TrimSpace(ic.Audience) == "" {
			return nil, fmt.Errorf("audience (client id) is required for provider %s", ic.Provider)
		}
		if len(ic.Issuers) == 0 {
			return nil, fmt.Errorf("issuers are required for provider %s", ic.Provider)
		}
		if ic.DiscoveryURL == "" && ic.JWKSURL == "" {
			return nil, fmt.Errorf("discovery url or jwks url is required for provider %s", ic.Provider)
		}
		if len(ic.Algorithms) == 0 {
			ic.Algorithms = []string{"RS256"}
		}
		p.verifiers = append(p.verifiers, &issuerVerifier{
			cfg:      ic,
			client:   cfg.HTTPClient,
			validate: cfg.URLValidator,
			jwksURL:  ic.JWKSURL,
			jwks:     newJWKSCache(cfg.HTTPClient, cfg.JWKSCacheTTL, cfg.RefreshInterval, p.clock),
			logger:   cfg.Logger,
		})
	}
	return p, nil
}

func (p *OIDCProvider) clock() time.Time {
	return p.now()
}

// Verify はIDトークンの署名、有効期限、発行者、対象者を検証する。
// 検証失敗はValid=falseで返し、IdPとの通信失敗のみerrorを返す。
func (p *OIDCProvider) Verify(ctx context.Context, token string) (*VerifyResult, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return &VerifyResult{Error: "malformed token"}, nil
	}
	iss, _ := unverified.Claims.GetIssuer()
	v := p.verifierFor(iss)
	if v == nil {
		return &VerifyResult{Error: "unknown issuer"}, nil
	}

	jwksURL, err := v.resolveJWKSURL(ctx)
	if err != nil {
		return nil, model.NewExternalServiceError("discovery_failed", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(p.leeway),
		jwt.WithTimeFunc(p.now),
	)
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("missing kid")
		}
		return v.jwks.getKey(ctx, jwksURL, kid)
	})
	if err != nil {
		var fe *fetchError
		if errors.As(err, &fe) {
			return nil, model.NewExternalServiceError("jwks_fetch_failed", fe.err)
		}
		return &VerifyResult{Error: err.Error()}, nil
	}

	// 署名検証後の値で再確認する
	verifiedIss, _ := claims.GetIssuer()
	if !v.matches(verifiedIss) {
		return &VerifyResult{Error: "issuer mismatch"}, nil
	}

	tc := toTokenClaims(claims, v.cfg.Provider)
	if strings.TrimSpace(tc.Subject) == "" {
		return &VerifyResult{Error: "missing sub"}, nil
	}
	return &VerifyResult{Valid: true, Claims: tc}, nil
}

// Normalize は検証済みクレームをExternalIdentityに変換する。
// メールアドレスは必須で小文字に正規化する。表示名はタグを除去して100文字に収める。
func (p *OIDCProvider) Normalize(_ context.Context, claims *model.TokenClaims) (*model.ExternalIdentity, error) {
	if claims == nil {
		return nil, model.NewExternalServiceError("normalize_failed", errors.New("claims are required"))
	}
	if !claims.Provider.Valid() {
		return nil, model.NewExternalServiceError("normalize_failed", fmt.Errorf("unsupported provider %q", claims.Provider))
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, model.NewExternalServiceError("normalize_failed", errors.New("subject claim is missing"))
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if err := model.ValidateEmail(email); err != nil {
		return nil, model.NewExternalServiceError("invalid_email_claim", err)
	}

	identity := &model.ExternalIdentity{
		ID:       sub,
		Provider: claims.Provider,
		Email:    email,
		Name:     p.displayName(claims, email),
	}
	if pic := strings.TrimSpace(claims.Picture); pic != "" {
		if err := model.ValidateAvatarURL(pic); err == nil {
			identity.AvatarURL = &pic
		} else {
			p.logger.Debug("picture claim ignored", slog.String("provider", claims.Provider.String()))
		}
	}
	return identity, nil
}

// displayName はname、given_name + family_name、メールのローカル部の順に採用する。
func (p *OIDCProvider) displayName(claims *model.TokenClaims, email string) string {
	candidates := []string{
		claims.Name,
		strings.TrimSpace(claims.GivenName + " " + claims.FamilyName),
		email[:strings.LastIndex(email, "@")],
	}
	for _, c := range candidates {
		if name := p.sanitizer.Sanitize(c, model.MaxNameLength); name != "" {
			return name
		}
	}
	return "user"
}

func (p *OIDCProvider) verifierFor(iss string) *issuerVerifier {
	for _, v := range p.verifiers {
		if v.matches(iss) {
			return v
		}
	}
	return nil
}

func toTokenClaims(c jwt.MapClaims, provider model.Provider) *model.TokenClaims {
	str := func(key string) string {
		s, _ := c[key].(string)
		return s
	}
	tc := &model.TokenClaims{
		Subject:       str("sub"),
		Email:         str("email"),
		EmailVerified: parseBool(c["email_verified"]),
		Name:          str("name"),
		GivenName:     str("given_name"),
		FamilyName:    str("family_name"),
		Picture:       str("picture"),
		Issuer:        str("iss"),
		Provider:      provider,
	}
	if aud, err := c.GetAudience(); err == nil {
		tc.Audience = []string(aud)
	}
	if iat, err := c.GetIssuedAt(); err == nil && iat != nil {
		tc.IssuedAt = iat.Unix()
	}
	if exp, err := c.GetExpirationTime(); err == nil && exp != nil {
		tc.ExpiresAt = exp.Unix()
	}
	return tc
}

// Appleはemail_verifiedを文字列で返す。
func parseBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true") || x == "1"
	case float64:
		return x != 0
	default:
		return false
	}
}

// ----- issuer -----

type oidcDiscovery struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type issuerVerifier struct {
	cfg      IssuerConfig
	client   *http.Client
	validate URLValidator
	logger   *slog.Logger

	mu      sync.Mutex
	jwksURL string
	jwks    *jwksCache
}

func (v *issuerVerifier) matches(iss string) bool {
	if iss == "" {
		return false
	}
	for _, pattern := range v.cfg.Issuers {
		if matchIssuer(pattern, iss) {
			return true
		}
	}
	return false
}

func matchIssuer(pattern, iss string) bool {
	i := strings.Index(pattern, tenantPlaceholder)
	if i < 0 {
		return pattern == iss
	}
	prefix, suffix := pattern[:i], pattern[i+len(tenantPlaceholder):]
	if !strings.HasPrefix(iss, prefix) || !strings.HasSuffix(iss, suffix) || len(iss) <= len(prefix)+len(suffix) {
		return false
	}
	tenant := iss[len(prefix) : len(iss)-len(suffix)]
	return !strings.ContainsAny(tenant, "/?#")
}

// resolveJWKSURL はディスカバリー文書からjwks_uriを取得する。
// 成功した結果のみ保持し、失敗時は次の呼び出しで再試行する。
func (v *issuerVerifier) resolveJWKSURL(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwksURL != "" {
		return v.jwksURL, nil
	}

	var d oidcDiscovery
	if err := v.fetchJSON(ctx, v.cfg.DiscoveryURL, &d); err != nil {
		v.logger.Warn("oidc discovery failed",
			slog.String("provider", v.cfg.Provider.String()),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if strings.TrimSpace(d.JWKSURI) == "" {
		return "", fmt.Errorf("oidc discovery: missing jwks_uri")
	}
	if v.validate != nil {
		if err := v.validate.ValidateURL(d.JWKSURI); err != nil {
			return "", fmt.Errorf("oidc discovery: unsafe jwks_uri: %w", err)
		}
	}
	v.jwksURL = d.JWKSURI
	return v.jwksURL, nil
}

func (v *issuerVerifier) fetchJSON(ctx context.Context, rawURL string, out any) error {
	if v.validate != nil {
		if err := v.validate.ValidateURL(rawURL); err != nil {
			return fmt.Errorf("unsafe url: %w", err)
		}
	}
	return getJSON(ctx, v.client, rawURL, out)
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected http status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ----- JWKS cache -----

var errUnknownKey = errors.New("kid not found in jwks")

// fetchError はJWKSの取得失敗を表す。トークン不正とは区別して扱う。
type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return "jwks fetch: " + e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// jwksCache はkidごとの公開鍵を保持する。
// 期限内に未知のkidが来た場合の再取得はlimiterで間引く。
type jwksCache struct {
	client  *http.Client
	ttl     time.Duration
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.RWMutex
	keys      map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(client *http.Client, ttl, refreshInterval time.Duration, now func() time.Time) *jwksCache {
	return &jwksCache{
		client:  client,
		ttl:     ttl,
		limiter: rate.NewLimiter(rate.Every(refreshInterval), 1),
		now:     now,
		keys:    map[string]any{},
	}
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	N string `json:"n"`
	E string `json:"e"`

	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *jwksCache) getKey(ctx context.Context, url, kid string) (any, error) {
	c.mu.RLock()
	key := c.keys[kid]
	fetched := !c.fetchedAt.IsZero()
	fresh := fetched && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if key != nil && fresh {
		return key, nil
	}
	if fresh && !c.limiter.Allow() {
		return nil, errUnknownKey
	}

	if err := c.refresh(ctx, url); err != nil {
		if key != nil {
			return key, nil
		}
		return nil, &fetchError{err: err}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key = c.keys[kid]; key == nil {
		return nil, errUnknownKey
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, url string) error {
	var set jwkSet
	if err := getJSON(ctx, c.client, url, &set); err != nil {
		return err
	}

	next := map[string]any{}
	for _, k := range set.Keys {
		if strings.TrimSpace(k.Kid) == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		switch k.Kty {
		case "RSA":
			if pub, err := rsaFromModExp(k.N, k.E); err == nil {
				next[k.Kid] = pub
			}
		case "EC":
			if pub, err := ecdsaFromXY(k.Crv, k.X, k.Y); err == nil {
				next[k.Kid] = pub
			}
		}
	}
	if len(next) == 0 {
		return errors.New("jwks contained no usable keys")
	}

	c.mu.Lock()
	c.keys = next
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

func rsaFromModExp(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) > 4 {
		return nil, errors.New("rsa exponent too large")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, errors.New("invalid rsa exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func ecdsaFromXY(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", crv)
	}

	xb, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, err
	}
	yb, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(xb)
	y := new(big.Int).SetBytes(yb)
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("invalid ec point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
