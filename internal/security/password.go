package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

var ErrMalformedHash = errors.New("malformed password hash")

type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

var DefaultArgon2Params = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 2,
	KeyLen:  32,
	SaltLen: 16,
}

// PasswordHasher hashes and verifies argon2id passwords. The number of
// concurrent derivations is capped so a login burst cannot exhaust memory.
type PasswordHasher struct {
	params Argon2Params
	sem    *semaphore.Weighted
	dummy  []byte
}

func NewPasswordHasher(params Argon2Params, maxConcurrent int64) (*PasswordHasher, error) {
	if params.KeyLen == 0 {
		params = DefaultArgon2Params
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	h := &PasswordHasher{
		params: params,
		sem:    semaphore.NewWeighted(maxConcurrent),
	}

	dummy, err := h.Hash(context.Background(), "portalauth-timing-equalizer")
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

func (h *PasswordHasher) Hash(ctx context.Context, password string) ([]byte, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	hash := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)
	h.sem.Release(1)

	encoded := base64.StdEncoding.EncodeToString(hash)
	encodedSalt := base64.StdEncoding.EncodeToString(salt)

	result := fmt.Sprintf("$argon2id$v=%d$t=%d,m=%d,p=%d$%s$%s",
		argon2.Version, h.params.Time, h.params.Memory, h.params.Threads, encodedSalt, encoded)

	return []byte(result), nil
}

func (h *PasswordHasher) Verify(ctx context.Context, password string, encodedHash []byte) (bool, error) {
	params, salt, hash, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLen)
	h.sem.Release(1)

	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

// Equalize burns the same work as a real verification. Call it when no
// identity matched so response timing does not reveal which emails exist.
func (h *PasswordHasher) Equalize(ctx context.Context, password string) {
	_, _ = h.Verify(ctx, password, h.dummy)
}

func decodeHash(encoded []byte) (Argon2Params, []byte, []byte, error) {
	// $argon2id$v=19$t=3,m=65536,p=2$<salt>$<hash>
	parts := strings.Split(string(encoded), "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, ErrMalformedHash
	}

	var params Argon2Params
	if _, err := fmt.Sscanf(parts[3], "t=%d,m=%d,p=%d", &params.Time, &params.Memory, &params.Threads); err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("decode salt: %w", err)
	}

	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return Argon2Params{}, nil, nil, fmt.Errorf("decode hash: %w", err)
	}

	params.KeyLen = uint32(len(hash))
	params.SaltLen = uint32(len(salt))
	return params, salt, hash, nil
}
