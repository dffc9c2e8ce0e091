// Package authority implements password verification and session-token
// issuance/validation/revocation (spec section 4.1). It holds no state
// beyond an in-memory table of per-user password hashes and active
// tokens — durable user records live in the catalog's user store;
// Authority is purely the credential/token authority over them.
package authority

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/plomorg/plomd/internal/apierr"
)

var log = logrus.WithField("component", "authority")

// passwordHasher tags which scheme produced a stored hash, so hashes
// imported from an older user list (pbkdf2_sha256, per the original
// server's passlib CryptContext) keep validating after new hashes start
// being minted with bcrypt.
const (
	schemeBcrypt = "bcrypt"
	schemePBKDF2 = "pbkdf2"
)

const tokenBytes = 16 // 128 bits, hex-encoded per spec section 4.1

// Authority verifies passwords and manages the lifecycle of opaque
// session tokens. It is safe for concurrent use.
type Authority struct {
	mu sync.Mutex

	masterSecret *big.Int // server-wide secret used to XOR-mask stored tokens

	// credentials holds username -> (hash, enabled). This is a superset of
	// what Authority strictly needs (enabled belongs conceptually to the
	// catalog's User record) but is kept here too so verify_password's
	// "unknown vs disabled" distinction never needs a second round trip.
	credentials map[string]credential

	// tokens maps username -> masked (XORed) token hex. Backed by go-cache
	// with no expiration: tokens live exactly as long as Authority says,
	// never by a wall-clock TTL (spec: "losing the token... must atomically
	// transition the task back to Todo", driven by explicit revoke/login,
	// not by timeout).
	tokens *cache.Cache
}

type credential struct {
	hash    string
	scheme  string
	enabled bool
}

// New builds an Authority. masterTokenHex, if non-empty, must decode as
// hex and is used as the XOR mask; otherwise a random one is generated
// (matching the original server's build_master_token: accept a supplied
// UUID-shaped token, or mint a fresh one).
func New(masterTokenHex string) (*Authority, error) {
	secret, err := loadOrCreateMasterSecret(masterTokenHex)
	if err != nil {
		return nil, err
	}
	return &Authority{
		masterSecret: secret,
		credentials:  make(map[string]credential),
		tokens:       cache.New(cache.NoExpiration, 10*time.Minute),
	}, nil
}

func loadOrCreateMasterSecret(hexToken string) (*big.Int, error) {
	if hexToken != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(hexToken, "0x"))
		if err == nil && len(b) > 0 {
			return new(big.Int).SetBytes(b), nil
		}
		log.Warn("supplied master token is not valid hex, generating a new one")
	}
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, apierr.Wrap(apierr.ServerError, "generating master secret", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// SetPasswordHash installs a password hash for user, hashed with the
// current default scheme (bcrypt). Used by create_or_update_user.
func (a *Authority) SetPasswordHash(user, password string, cost int) error {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "hashing password", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credentials[user] = credential{hash: string(h), scheme: schemeBcrypt, enabled: true}
	return nil
}

// ImportLegacyPBKDF2Hash installs a pre-hashed credential in the
// pbkdf2_sha256$iterations$salt$hash form produced by an imported,
// pre-migration user list. Verification uses a constant-time comparison.
func (a *Authority) ImportLegacyPBKDF2Hash(user, encoded string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.credentials[user] = credential{hash: encoded, scheme: schemePBKDF2, enabled: enabled}
}

// SetEnabled flips the enabled flag for user without touching their hash.
func (a *Authority) SetEnabled(user string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.credentials[user]
	if !ok {
		c = credential{}
	}
	c.enabled = enabled
	a.credentials[user] = c
}

// RemoveUser drops a user's stored credential entirely (used when
// reload_user_list diffs a removed user out of the on-disk list).
func (a *Authority) RemoveUser(user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.credentials, user)
}

// VerifyPassword reports whether password matches user's stored hash.
// It never distinguishes unknown user / disabled / wrong password to the
// caller — all three simply return false, per spec section 4.1's uniform
// failure semantics.
func (a *Authority) VerifyPassword(user, password string) bool {
	a.mu.Lock()
	c, ok := a.credentials[user]
	a.mu.Unlock()
	if !ok || !c.enabled {
		return false
	}
	switch c.scheme {
	case schemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(c.hash), []byte(password)) == nil
	case schemePBKDF2:
		return verifyPBKDF2(c.hash, password)
	default:
		return false
	}
}

// verifyPBKDF2 checks a "pbkdf2_sha256$iterations$salt_hex$hash_hex" encoded
// credential with a constant-time comparison of the derived key.
func verifyPBKDF2(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false
	}
	var iterations int
	if _, err := fmt.Sscanf(parts[1], "%d", &iterations); err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return hmac.Equal(got, want)
}

// IssueToken mints a fresh session token for user. It fails if user
// already has an active token — the caller (dispatcher's login handler)
// must revoke first, exactly as the original server refuses to re-issue
// ("User already has token") and instead expects the client/admin path
// to clear it.
func (a *Authority) IssueToken(user string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, found := a.tokens.Get(user); found {
		return "", apierr.New(apierr.Conflict, "user already has an active token")
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", apierr.Wrap(apierr.ServerError, "generating token", err)
	}
	clientToken := hex.EncodeToString(raw)
	masked := a.mask(clientToken)
	a.tokens.Set(user, masked, cache.NoExpiration)
	return clientToken, nil
}

// Validate performs a constant-time check of token against the masked
// value stored for user.
func (a *Authority) Validate(user, token string) bool {
	a.mu.Lock()
	masked, found := a.tokens.Get(user)
	a.mu.Unlock()
	if !found {
		return false
	}
	want, ok := masked.(string)
	if !ok {
		return false
	}
	got := a.mask(token)
	return hmac.Equal([]byte(got), []byte(want))
}

// Revoke clears user's active token. Idempotent.
func (a *Authority) Revoke(user string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens.Delete(user)
}

// mask XORs a hex-encoded client token against the master secret and
// returns the result hex-encoded, mirroring the original server's
// hex(int(clientToken, 16) ^ masterTokenInt) storage form: a read of the
// token table alone does not reveal the live, usable token.
func (a *Authority) mask(clientTokenHex string) string {
	tokenInt := new(big.Int)
	tokenInt.SetString(clientTokenHex, 16)
	masked := new(big.Int).Xor(tokenInt, a.masterSecret)
	return masked.Text(16)
}
