package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"pastebin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

const (
	maxPasswordLength = 1024
	saltLength        = 16
	keyLength         = 32
)

var (
	ErrPasswordTooLong = errors.New("password too long")
	ErrHasherClosed    = errors.New("hasher closed")
)

type Params struct {
	Iterations  uint32
	Memory      uint32
	Parallelism uint8
	// Concurrency bounds how many argon2 computations run at once.
	Concurrency int
	// MinVerify pads Verify so timing does not reveal early rejects.
	MinVerify time.Duration
}

// Hasher hashes paste passwords with argon2id over an HMAC-SHA256 peppered
// input. Encoded hashes use the PHC string format.
type Hasher struct {
	p      Params
	sem    *semaphore.Weighted
	mu     sync.RWMutex
	pepper []byte
}

func NewHasher(p Params, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if p.Iterations == 0 || p.Iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if p.Memory < 8 || p.Memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 8 and 2097152 KiB")
	}
	if p.Parallelism == 0 || p.Parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	if p.Concurrency <= 0 {
		p.Concurrency = runtime.NumCPU()
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		p:      p,
		sem:    semaphore.NewWeighted(int64(p.Concurrency)),
		pepper: pepperCopy,
	}, nil
}

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooLong
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", errors.Wrap(err, "hasher busy")
	}
	defer h.sem.Release(1)
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherClosed
	}
	defer util.Wipe(peppered)
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "read salt")
	}
	key := argon2.IDKey(peppered, salt, h.p.Iterations, h.p.Memory, h.p.Parallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.p.Memory, h.p.Iterations, h.p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether password matches encoded. A malformed encoded hash
// is a mismatch, not an error.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	start := time.Now()
	defer func() {
		if pad := h.p.MinVerify - time.Since(start); pad > 0 {
			time.Sleep(pad)
		}
	}()
	if len(password) > maxPasswordLength {
		return false, nil
	}
	m, t, p, salt, key, ok := decodeHash(encoded)
	if !ok {
		return false, nil
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, errors.Wrap(err, "hasher busy")
	}
	defer h.sem.Release(1)
	peppered := h.applyPepper(password)
	if peppered == nil {
		return false, ErrHasherClosed
	}
	defer util.Wipe(peppered)
	other := argon2.IDKey(peppered, salt, t, m, p, uint32(len(key)))
	defer util.Wipe(other)
	return subtle.ConstantTimeCompare(key, other) == 1, nil
}

func decodeHash(encoded string) (mem, iters uint32, threads uint8, salt, key []byte, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return
	}
	if mem == 0 || mem > 2*1024*1024 || iters == 0 || iters > 1000 || threads == 0 || threads > 128 {
		return
	}
	var err error
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(salt) == 0 {
		return
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(key) == 0 || len(key) > 256 {
		return
	}
	ok = true
	return
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// Close wipes the pepper; later calls fail with ErrHasherClosed.
func (h *Hasher) Close() {
	h.mu.Lock()
	util.Wipe(h.pepper)
	h.pepper = nil
	h.mu.Unlock()
}
