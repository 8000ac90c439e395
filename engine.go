package lockbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Engine performs authenticated encryption and decryption against named
// keystore keys. It owns no key material: key creation, IV generation and the
// actual cipher runs happen inside the KeyStore; user verification happens
// inside the Authenticator. The engine's job is protocol: wiring resolution
// parameters into key specs, gating ciphers through the authenticator and
// mapping collaborator faults onto the vault's error taxonomy.
type Engine struct {
	keys     KeyStore
	auth     Authenticator
	sessions authSessionGuard
	log      zerolog.Logger
}

func NewEngine(keys KeyStore, auth Authenticator, log zerolog.Logger) *Engine {
	if auth == nil {
		auth = NoAuthenticator{}
	}
	return &Engine{keys: keys, auth: auth, log: log}
}

// Encrypt seals plaintext under the named key configured per resolution and
// returns the current-format envelope carrying the IV that was actually used.
// When the resolution requires authentication the uninitialized-for-use
// cipher is handed to the authenticator, which either returns an authorized
// cipher or fails with ErrAuthCanceled / ErrAuthFailed / ErrBiometryLockout.
func (e *Engine) Encrypt(ctx context.Context, alias string, plaintext []byte, res AccessResolution, prompt Prompt) (*EncryptedEnvelope, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrEncryptionFailed)
	}

	key, err := e.keys.GetOrCreateKey(alias, KeySpecFor(res))
	if err != nil {
		return nil, e.mapKeyFault(alias, err, ErrEncryptionFailed)
	}

	c, err := e.keys.NewCipher(ModeEncrypt, key, nil)
	if err != nil {
		return nil, e.mapKeyFault(alias, err, ErrEncryptionFailed)
	}

	if res.RequiresAuthentication {
		c, err = e.authorize(ctx, c, res, prompt)
		if err != nil {
			return nil, err
		}
	}

	ciphertext, err := c.Finalize(plaintext)
	if err != nil {
		c.Release()
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return &EncryptedEnvelope{
		Ciphertext:            ciphertext,
		IV:                    c.IV(),
		FormatVersion:         FormatCurrent,
		Tier:                  res.Tier,
		Policy:                res.Policy,
		AllowedAuthenticators: res.AllowedAuthenticators,
		Timestamp:             time.Now().UTC(),
	}, nil
}

// Decrypt opens an envelope using its stored IV, symmetric to Encrypt. On tag
// mismatch or corruption it fails with ErrDecryptionFailed; when the backing
// key was permanently invalidated it deletes the dangling key and fails with
// ErrKeyInvalidated, leaving the ciphertext entry for the caller to deal with.
func (e *Engine) Decrypt(ctx context.Context, alias string, env *EncryptedEnvelope, res AccessResolution, prompt Prompt) ([]byte, error) {
	key, err := e.keys.GetOrCreateKey(alias, KeySpecFor(res))
	if err != nil {
		return nil, e.mapKeyFault(alias, err, ErrDecryptionFailed)
	}

	c, err := e.keys.NewCipher(ModeDecrypt, key, env.IV)
	if err != nil {
		return nil, e.mapKeyFault(alias, err, ErrDecryptionFailed)
	}

	if res.RequiresAuthentication {
		c, err = e.authorize(ctx, c, res, prompt)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := c.Finalize(env.Ciphertext)
	if err != nil {
		c.Release()
		return nil, e.mapKeyFault(alias, err, ErrDecryptionFailed)
	}
	return plaintext, nil
}

// DeleteKey removes the named key. Best-effort by contract: failure is logged
// and swallowed, and a missing key is not a failure.
func (e *Engine) DeleteKey(alias string) {
	if err := e.keys.DeleteKey(alias); err != nil {
		e.log.Warn().Err(err).Str("alias", alias).Msg("best-effort key deletion failed")
	}
}

// authorize routes the cipher through the authenticator under the single-
// session rule: starting a new authenticated operation cancels the one still
// waiting on user input, whose caller then sees ErrAuthCanceled.
func (e *Engine) authorize(ctx context.Context, c Cipher, res AccessResolution, prompt Prompt) (Cipher, error) {
	authCtx, done := e.sessions.begin(ctx)
	defer done()

	authorized, err := e.auth.Authorize(authCtx, c, res.AllowedAuthenticators, prompt)
	if err != nil {
		c.Release()
		if authCtx.Err() != nil && !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrBiometryLockout) {
			return nil, ErrAuthCanceled
		}
		return nil, err
	}
	if authCtx.Err() != nil {
		authorized.Release()
		return nil, ErrAuthCanceled
	}
	return authorized, nil
}

// mapKeyFault translates keystore faults. Permanent invalidation triggers the
// automatic cleanup of the orphaned key; the stored entry is not touched.
func (e *Engine) mapKeyFault(alias string, err error, fallback error) error {
	switch {
	case errors.Is(err, ErrKeyInvalidated):
		e.DeleteKey(alias)
		return ErrKeyInvalidated
	case errors.Is(err, ErrHardwareUnavailable):
		return ErrHardwareUnavailable
	case errors.Is(err, ErrDecryptionFailed), errors.Is(err, ErrEncryptionFailed):
		return err
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}

// authSessionGuard enforces at most one live authenticator session. Beginning
// a new session cancels the previous one; the stale caller observes its
// context being canceled and reports ErrAuthCanceled.
type authSessionGuard struct {
	mu     sync.Mutex
	active *authSession
}

type authSession struct {
	cancel context.CancelFunc
}

func (g *authSessionGuard) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s := &authSession{cancel: cancel}

	g.mu.Lock()
	if g.active != nil {
		g.active.cancel()
	}
	g.active = s
	g.mu.Unlock()

	return ctx, func() {
		cancel()
		g.mu.Lock()
		if g.active == s {
			g.active = nil
		}
		g.mu.Unlock()
	}
}
