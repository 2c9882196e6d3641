package repository

import (
	"context"

	"crosspost/domain/model"
)

// IAccount stores linked destination accounts.
type IAccount interface {
	// Upsert inserts or updates by (destination, external user id) and fills
	// the ID of the stored account.
	Upsert(ctx context.Context, account *model.Account) error
	Get(ctx context.Context, id string) (*model.Account, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Account, error)
	UpdateStatus(ctx context.Context, id string, status model.AccountStatus) error
}

// ICredential stores one credential record per account.
type ICredential interface {
	Get(ctx context.Context, accountID string) (*model.CredentialRecord, error)
	// Upsert replaces the record atomically; the previous token stays readable
	// until the write is durable.
	Upsert(ctx context.Context, record *model.CredentialRecord) error
}

// IOAuthStateStore correlates authorization callbacks with their initiator.
type IOAuthStateStore interface {
	SaveState(ctx context.Context, state string, value OAuthState) error
	// ConsumeState returns and deletes the state. ErrNotFound when absent or
	// already consumed.
	ConsumeState(ctx context.Context, state string) (*OAuthState, error)
	// MarkCodeUsed returns false when the code was already seen.
	MarkCodeUsed(ctx context.Context, destination model.DestinationType, code string) (bool, error)
}

// OAuthState is what an authorization round-trip carries through the
// destination's consent screen.
type OAuthState struct {
	OwnerID     string                `json:"owner_id"`
	Destination model.DestinationType `json:"destination"`
}
