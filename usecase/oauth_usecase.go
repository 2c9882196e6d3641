package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const refreshTimeout = 30 * time.Second

// ITokenProvider hands out access tokens that are valid right now.
type ITokenProvider interface {
	GetValidToken(ctx context.Context, accountID string) (*model.Token, error)
}

type IOAuthUsecase interface {
	ITokenProvider
	BeginAuthorization(ctx context.Context, ownerID string, destination model.DestinationType) (*dto.AuthorizationResponse, error)
	CompleteAuthorization(ctx context.Context, destination model.DestinationType, code, state string) (*model.Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]*model.Account, error)
}

type oauthUsecase struct {
	accounts    repository.IAccount
	credentials repository.ICredential
	states      repository.IOAuthStateStore
	registry    repository.IDestinationRegistry
	skew        time.Duration
	now         func() time.Time
	flights     singleflight.Group
}

func NewOAuthUsecase(accounts repository.IAccount, credentials repository.ICredential, states repository.IOAuthStateStore, registry repository.IDestinationRegistry, refreshSkew time.Duration) IOAuthUsecase {
	return &oauthUsecase{
		accounts:    accounts,
		credentials: credentials,
		states:      states,
		registry:    registry,
		skew:        refreshSkew,
		now:         time.Now,
	}
}

func (u *oauthUsecase) BeginAuthorization(ctx context.Context, ownerID string, destination model.DestinationType) (*dto.AuthorizationResponse, error) {
	adapter, ok := u.registry.Get(destination)
	if !ok {
		return nil, ErrUnknownDestination
	}
	state := uuid.NewString()
	if err := u.states.SaveState(ctx, state, repository.OAuthState{OwnerID: ownerID, Destination: destination}); err != nil {
		return nil, fmt.Errorf("save oauth state: %w", err)
	}
	return &dto.AuthorizationResponse{URL: adapter.BuildAuthorizationURL(state), State: state}, nil
}

// CompleteAuthorization finishes a consent round-trip. The state is
// consumed first, then the code is marked used before the exchange, so a
// replayed callback is rejected instead of exchanged twice.
func (u *oauthUsecase) CompleteAuthorization(ctx context.Context, destination model.DestinationType, code, state string) (*model.Account, error) {
	if code == "" || state == "" {
		return nil, fmt.Errorf("%w: code and state are required", ErrInvalidRequest)
	}
	adapter, ok := u.registry.Get(destination)
	if !ok {
		return nil, ErrUnknownDestination
	}
	pending, err := u.states.ConsumeState(ctx, state)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if pending.Destination != destination {
		return nil, ErrInvalidState
	}
	// Only a callback with a valid state may burn the code.
	fresh, err := u.states.MarkCodeUsed(ctx, destination, code)
	if err != nil {
		return nil, fmt.Errorf("mark code used: %w", err)
	}
	if !fresh {
		return nil, ErrCodeReplayed
	}

	grant, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	account := &model.Account{
		OwnerID:        pending.OwnerID,
		Destination:    destination,
		ExternalUserID: grant.ExternalUserID,
		DisplayName:    grant.DisplayName,
		Status:         model.AccountActive,
	}
	if err := u.accounts.Upsert(ctx, account); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}
	now := u.now().UTC()
	if err := u.credentials.Upsert(ctx, &model.CredentialRecord{
		AccountID:    account.ID,
		AccessToken:  grant.Token.AccessToken,
		RefreshToken: grant.Token.RefreshToken,
		TokenType:    grant.Token.TokenType,
		IssuedAt:     now,
		ExpiresAt:    grant.Token.ExpiresAt,
		Scopes:       grant.Token.Scopes,
	}); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	logger.GetLogger().WithFields(map[string]interface{}{
		"account_id":  account.ID,
		"destination": destination,
		"owner_id":    account.OwnerID,
	}).Info("account authorized")
	return account, nil
}

func (u *oauthUsecase) ListAccounts(ctx context.Context, ownerID string) ([]*model.Account, error) {
	return u.accounts.ListByOwner(ctx, ownerID)
}

// GetValidToken returns a token usable now, refreshing it when it expires
// within the skew. Concurrent callers for one account share one refresh.
func (u *oauthUsecase) GetValidToken(ctx context.Context, accountID string) (*model.Token, error) {
	account, err := u.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperror.New(apperror.KindInternal, "account_missing", "")
		}
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "account_lookup")
	}
	if !account.Usable() {
		return nil, apperror.New(apperror.KindAuthExpired, string(account.Status), "")
	}
	record, err := u.credentials.Get(ctx, accountID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "credential_lookup")
	}
	if record != nil && record.FreshAt(u.now(), u.skew) {
		return record.Token(), nil
	}

	v, err, _ := u.flights.Do(accountID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return u.refresh(fctx, account)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Token), nil
}

func (u *oauthUsecase) refresh(ctx context.Context, account *model.Account) (*model.Token, error) {
	log := logger.GetLogger().WithFields(map[string]interface{}{
		"account_id":  account.ID,
		"destination": account.Destination,
	})
	// A flight that started after another one finished sees its result.
	record, err := u.credentials.Get(ctx, account.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, u.needsReauth(ctx, account, "no_credentials")
	case err != nil:
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "credential_lookup")
	case record.FreshAt(u.now(), u.skew):
		return record.Token(), nil
	}

	adapter, ok := u.registry.Get(account.Destination)
	if !ok {
		return nil, apperror.New(apperror.KindInternal, "destination_disabled", "")
	}
	if !adapter.Capabilities().SupportsRefresh || record.RefreshToken == "" {
		metrics.RecordRefresh(string(account.Destination), "unsupported")
		return nil, u.needsReauth(ctx, account, "refresh_unsupported")
	}
	if err := u.registry.Wait(ctx, account.Destination); err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "rate_wait")
	}

	token, err := adapter.Refresh(ctx, record.RefreshToken)
	if err != nil {
		if apperror.Is(err, apperror.KindAuthExpired) {
			metrics.RecordRefresh(string(account.Destination), "revoked")
			log.WithField("error", err).Warn("refresh token rejected, account needs re-authorization")
			_ = u.markNeedsReauth(ctx, account)
			return nil, err
		}
		metrics.RecordRefresh(string(account.Destination), "failed")
		if !apperror.IsRetryable(err) {
			err = apperror.Wrap(err, apperror.KindTransientNetwork, "refresh_failed")
		}
		log.WithField("error", err).Warn("token refresh failed")
		return nil, err
	}

	next := &model.CredentialRecord{
		AccountID:    account.ID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		IssuedAt:     u.now().UTC(),
		ExpiresAt:    token.ExpiresAt,
		Scopes:       token.Scopes,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = record.RefreshToken
	}
	if len(next.Scopes) == 0 {
		next.Scopes = record.Scopes
	}
	// The new token is only served once it is durable.
	if err := u.credentials.Upsert(ctx, next); err != nil {
		metrics.RecordRefresh(string(account.Destination), "store_failed")
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "credential_write")
	}
	metrics.RecordRefresh(string(account.Destination), "success")
	log.Info("access token refreshed")
	return next.Token(), nil
}

func (u *oauthUsecase) needsReauth(ctx context.Context, account *model.Account, code string) error {
	if err := u.markNeedsReauth(ctx, account); err != nil {
		logger.GetLogger().WithFields(map[string]interface{}{"account_id": account.ID, "error": err}).Error("failed to flag account for re-authorization")
	}
	return apperror.New(apperror.KindAuthExpired, code, "")
}

func (u *oauthUsecase) markNeedsReauth(ctx context.Context, account *model.Account) error {
	return u.accounts.UpdateStatus(ctx, account.ID, model.AccountNeedsReauth)
}
