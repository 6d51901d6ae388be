// Package limits enforces the per-user message quota checked ahead of every
// append. Tiers and limits live on the user row; usage is recorded inside the
// append transaction by the storage layer.
package limits

import (
	"errors"
	"fmt"

	"github.com/avress/interviewd/internal/storage"
)

// LimitExceededError carries the data clients need to render a quota notice.
type LimitExceededError struct {
	Limit int
	Count int
	Tier  string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("message limit exceeded: %d/%d on tier %s", e.Count, e.Limit, e.Tier)
}

// Policy answers whether a user may send another message.
type Policy interface {
	// Check returns a *LimitExceededError when the user's quota is exhausted,
	// and the user's current standing otherwise.
	Check(userID string) (storage.User, error)
}

// StorePolicy is the Policy backed by the users table. Unknown users are
// provisioned on the default tier; identity is established upstream.
type StorePolicy struct {
	store *storage.Store
}

func NewStorePolicy(store *storage.Store) *StorePolicy {
	return &StorePolicy{store: store}
}

func (p *StorePolicy) Check(userID string) (storage.User, error) {
	user, err := p.store.EnsureUser(userID)
	if err != nil {
		return storage.User{}, fmt.Errorf("loading user %s: %w", userID, err)
	}
	if user.MessageCount >= user.MessageLimit {
		return user, &LimitExceededError{
			Limit: user.MessageLimit,
			Count: user.MessageCount,
			Tier:  user.Tier,
		}
	}
	return user, nil
}

// IsLimitExceeded reports whether err is a quota rejection.
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}
