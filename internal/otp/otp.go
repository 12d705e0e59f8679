// Package otp issues the one-time codes that gate a batch transfer and keeps
// the pending attempt each code belongs to.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/lock"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

const Digits = 6

// Attempt is one pending transfer. The code itself is never stored, only a
// digest salted with the attempt id.
type Attempt struct {
	AttemptID     string     `json:"attemptId"`
	BatchID       string     `json:"batchId"`
	CodeHash      string     `json:"codeHash"`
	ActorRole     string     `json:"actorRole"`
	RecipientRole string     `json:"recipientRole"`
	Lease         lock.Lease `json:"lease"`
	IssuedAt      time.Time  `json:"issuedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	Failures      int        `json:"failures"`
}

func (a Attempt) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Matches compares code against the stored digest in constant time.
func (a Attempt) Matches(code string) bool {
	got := HashCode(a.AttemptID, code)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.CodeHash)) == 1
}

// Store keeps at most one attempt per batch.
type Store interface {
	Put(ctx context.Context, a Attempt) error
	Get(ctx context.Context, batchID string) (Attempt, bool, error)
	// Delete removes the attempt only if it is still attemptID and reports
	// whether it did. Exactly one of several concurrent callers sees true.
	Delete(ctx context.Context, batchID, attemptID string) (bool, error)
	// RecordFailure counts one wrong code against the attempt if it is still
	// attemptID and returns the new count. ok is false once the attempt was
	// consumed or replaced; the store is left untouched then.
	RecordFailure(ctx context.Context, batchID, attemptID string) (failures int, ok bool, err error)
}

// Generate returns a uniformly random zero-padded numeric code.
func Generate() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", Digits, n.Int64()), nil
}

func HashCode(attemptID, code string) string {
	return protocol.DigestString(attemptID + ":" + code)
}
