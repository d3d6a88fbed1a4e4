// Package store defines the persisted records of the access service and the
// repository contracts the core depends on. Lookups that find nothing return
// paygate.ErrNotFound.
package store

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// User is bound to exactly one external credential and one wallet.
type User struct {
	ID                   string
	ExternalCredentialID string
	WalletAddress        string
	EncryptedSecret      string
	CreatedAt            time.Time
}

// Resource is a priced item. Price is a human-readable decimal in Currency.
type Resource struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       string    `json:"price"`
	Currency    string    `json:"currency"`
	PayTo       string    `json:"payTo"`
	Content     string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Purchase records that a user has paid for a resource.
type Purchase struct {
	ID                  string
	UserID              string
	ResourceID          string
	SettlementReference string
	CreatedAt           time.Time
}

// UserRepository stores users keyed by their external credential.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByCredential(ctx context.Context, credentialID string) (*User, error)

	// InsertIfAbsent stores u unless a user with the same external
	// credential already exists, and returns the row that is stored after
	// the call. inserted is false when another row won.
	InsertIfAbsent(ctx context.Context, u User) (stored User, inserted bool, err error)
}

// ResourceRepository stores priced resources.
type ResourceRepository interface {
	Get(ctx context.Context, id string) (*Resource, error)
	Create(ctx context.Context, r Resource) (Resource, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Resource, error)
}

// PurchaseLedger is the grant record. At most one purchase exists per
// (user, resource) pair.
type PurchaseLedger interface {
	HasPurchase(ctx context.Context, userID, resourceID string) (bool, error)

	// RecordPurchase inserts p unless a purchase for the same pair exists.
	// A conflict is success: the existing row is returned unchanged and
	// inserted is false.
	RecordPurchase(ctx context.Context, p Purchase) (stored Purchase, inserted bool, err error)
}

// NewID returns a random identifier for users and resources.
func NewID() string {
	return uuid.NewString()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewPurchaseID returns a lexicographically sortable identifier so ledger rows
// order by creation time.
func NewPurchaseID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
