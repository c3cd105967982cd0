// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package keys mints ingest API keys and binds their at-rest hashes to
// apps. Plaintext keys exist in memory exactly twice: once at minting,
// once inside Authorize when a client presents them.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Prefix identifies plaintext ingest keys on the wire.
const Prefix = "sk_"

// randomChars is the length of the random suffix of a plaintext key.
const randomChars = 32

// ErrMalformedKey is returned for keys without the sk_ prefix or with
// the wrong length. Format checks beyond the prefix are server-side.
var ErrMalformedKey = errors.New("malformed api key")

// Mint returns a fresh plaintext key: "sk_" plus 32 URL-safe random
// characters (192 bits of entropy).
func Mint() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("minting api key: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// CheckFormat validates the shape of a plaintext key without touching
// any store.
func CheckFormat(plaintext string) error {
	if !strings.HasPrefix(plaintext, Prefix) || len(plaintext) != len(Prefix)+randomChars {
		return ErrMalformedKey
	}
	return nil
}

// Hasher derives the deterministic at-rest hash of a key. The
// derivation is Argon2id with a salt derived from a fixed
// per-installation pepper, so the same key always produces the same
// hash (the store indexes keys by hash) while offline enumeration
// stays expensive.
type Hasher struct {
	salt []byte
}

// Argon2id parameters. Tuned for a server-side authorization path that
// sits behind the in-memory cache.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// NewHasher builds a Hasher from the installation pepper.
func NewHasher(pepper string) *Hasher {
	salt := sha256.Sum256([]byte("logsentry-key-salt\x00" + pepper))
	return &Hasher{salt: salt[:16]}
}

// Hash returns the hex-encoded at-rest hash of a plaintext key.
func (h *Hasher) Hash(plaintext string) string {
	digest := argon2.IDKey([]byte(plaintext), h.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(digest)
}

// cacheDigest is the fast keyed hash used only for the hot-path lookup
// cache. The cache key is random per process, so cache entries are
// useless outside this process's memory.
func cacheDigest(cacheKey []byte, plaintext string) string {
	mac := hmac.New(sha256.New, cacheKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
