package anonymizer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// KeySize 派生出的患者键长度（字节）
const KeySize = 16

// ErrMissingIdentifier 缺少可用的患者标识
var ErrMissingIdentifier = errors.New("missing patient identifier")

// RawIdentifier 医院提供的原始标识（PHI），只允许在摄入边界内短暂存在
type RawIdentifier struct {
	PatientID string
	FirstName string
	LastName  string
	Email     string
}

// Anonymizer 将原始标识映射为稳定的匿名患者键
type Anonymizer interface {
	DeriveKey(id RawIdentifier) (string, error)
}

// Blake2bAnonymizer 基于带密钥 BLAKE2b 的单向派生
// 只使用 patient_id、姓名与邮箱；地址经常变化，不参与派生
type Blake2bAnonymizer struct {
	key []byte
}

// NewBlake2bAnonymizer 创建匿名化器，密钥长度 1..64 字节
func NewBlake2bAnonymizer(key []byte) (*Blake2bAnonymizer, error) {
	if len(key) == 0 {
		return nil, errors.New("hash key is required")
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("hash key too long: %d bytes (max %d)", len(key), blake2b.Size)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Blake2bAnonymizer{key: k}, nil
}

// DeriveKey 派生患者键（32 位十六进制）
func (a *Blake2bAnonymizer) DeriveKey(id RawIdentifier) (string, error) {
	patientID := strings.TrimSpace(id.PatientID)
	if patientID == "" {
		return "", ErrMissingIdentifier
	}

	h, err := blake2b.New(KeySize, a.key)
	if err != nil {
		return "", fmt.Errorf("failed to init blake2b: %w", err)
	}

	// 字段之间使用单元分隔符，避免拼接歧义
	parts := []string{
		patientID,
		strings.TrimSpace(id.FirstName),
		strings.TrimSpace(id.LastName),
		strings.ToLower(strings.TrimSpace(id.Email)),
	}
	h.Write([]byte(strings.Join(parts, "\x1f")))

	return hex.EncodeToString(h.Sum(nil)), nil
}
