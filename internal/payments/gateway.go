package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// ErrBadSignature - подпись вебхука не совпала с ожидаемой
var ErrBadSignature = errors.New("invalid webhook signature")

// Sandbox - шлюз без реального эквайринга: выдает идентификаторы намерений оплаты,
// подтверждение приходит вебхуком /api/webhooks/payment.
type Sandbox struct{}

func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// CreateIntent создает намерение оплаты на сумму amount
func (g *Sandbox) CreateIntent(ctx context.Context, jobID, amount int64) (string, error) {
	if amount <= 0 {
		return "", errors.New("payment amount must be positive")
	}
	intentID := "pi_" + uuid.NewString()
	slog.InfoContext(ctx, "payment intent created",
		"job_id", jobID,
		"amount", amount,
		"intent_id", intentID,
	)
	return intentID, nil
}

// Sign возвращает hex(HMAC-SHA256(body)) для заголовка X-Signature
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись вебхука платежного шлюза
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrBadSignature
	}
	return nil
}
