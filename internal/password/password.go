// Package password はパスワードハッシュの生成と検証を提供する。
// 新規ハッシュはargon2id（PHC形式）で生成し、移行元のbcryptハッシュは検証のみ対応する。
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const algorithmID = "argon2id"

var (
	// ErrInvalidHash は保存済みハッシュの形式が不正であることを表す。
	ErrInvalidHash = errors.New("invalid password hash format")
	// ErrUnsupportedHash は未対応のハッシュ方式を表す。
	ErrUnsupportedHash = errors.New("unsupported password hash algorithm")
)

// Config はargon2idのパラメータ。
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig は本番用のパラメータを返す。
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher はパスワードのハッシュ化と検証を行う。
type Hasher struct {
	config    Config
	dummyHash string
}

// NewHasher はHasherを生成する。
func NewHasher(cfg Config) (*Hasher, error) {
	if cfg.Memory < 8*1024 || cfg.Time < 1 || cfg.Parallelism < 1 {
		return nil, fmt.Errorf("invalid argon2 parameters: m=%d t=%d p=%d", cfg.Memory, cfg.Time, cfg.Parallelism)
	}
	if cfg.SaltLength < 16 || cfg.KeyLength < 16 {
		return nil, fmt.Errorf("invalid argon2 lengths: salt=%d key=%d", cfg.SaltLength, cfg.KeyLength)
	}

	h := &Hasher{config: cfg}
	dummy, err := h.Hash("storeauth-dummy-password")
	if err != nil {
		return nil, err
	}
	h.dummyHash = dummy
	return h, nil
}

// Hash はパスワードをargon2idでハッシュ化し、PHC形式の文字列を返す。
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify は保存済みハッシュとパスワードを定数時間で比較する。
// 不一致の場合は(false, nil)を返し、ハッシュ自体が解釈できない場合のみエラーを返す。
func (h *Hasher) Verify(storedHash, password string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$"+algorithmID+"$"):
		return verifyArgon2(storedHash, password)
	case strings.HasPrefix(storedHash, "$2a$"), strings.HasPrefix(storedHash, "$2b$"), strings.HasPrefix(storedHash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		return true, nil
	case storedHash == "":
		return false, nil
	default:
		return false, ErrUnsupportedHash
	}
}

// VerifyDummy はアカウントが存在しない場合にも同程度の計算時間を消費させる。
func (h *Hasher) VerifyDummy(password string) {
	_, _ = verifyArgon2(h.dummyHash, password)
}

func verifyArgon2(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return false, ErrInvalidHash
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return false, ErrInvalidHash
	}

	var memory, time uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey([]byte(password), salt, time, memory, parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}
