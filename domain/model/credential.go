package model

import (
	"strings"
	"time"
)

// CredentialRecord stores the OAuth credentials of one account. There is at
// most one record per account.
type CredentialRecord struct {
	AccountID    string     `json:"account_id"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Token is the part of a credential handed to destination adapters.
type Token struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
}

// Grant is the outcome of an authorization code exchange.
type Grant struct {
	Token          Token
	ExternalUserID string
	DisplayName    string
}

// FreshAt reports whether the credential can be served at now without a
// refresh, given the refresh skew. A record without expiry never expires.
func (c *CredentialRecord) FreshAt(now time.Time, skew time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt == nil || c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-skew))
}

// Token returns the adapter facing view of the record.
func (c *CredentialRecord) Token() *Token {
	return &Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		ExpiresAt:    c.ExpiresAt,
		Scopes:       c.Scopes,
	}
}

// JoinScopes renders scopes in the comma separated column format.
func JoinScopes(scopes []string) string { return strings.Join(scopes, ",") }

// SplitScopes parses the comma separated column format.
func SplitScopes(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
