// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"github.com/opsislabs/windlass/helper"
	"github.com/opsislabs/windlass/helper/uuid"
	"github.com/opsislabs/windlass/structs"
)

const (
	// DefaultSessionTTL is the lifetime of minted session credentials.
	DefaultSessionTTL = 30 * time.Minute

	defaultIssuer = "windlass"

	// minRenewWait floors the client-side renewal hint so near-expiry
	// credentials do not schedule an immediate storm of renews.
	minRenewWait = 30 * time.Second
)

// KeepaliveConfig builds a Keepalive.
type KeepaliveConfig struct {
	Logger hclog.Logger

	// SigningKey is the HS256 secret shared across workers.
	SigningKey []byte

	// SessionTTL is the lifetime of minted credentials.
	SessionTTL time.Duration

	Issuer string
}

// Keepalive mints and verifies the short-lived session credentials that
// keep a polling client's session alive through long runs. Minting is
// stateless: issuing a replacement does not revoke the prior token, so
// both stay usable until their own expiries.
type Keepalive struct {
	logger     hclog.Logger
	key        []byte
	sessionTTL time.Duration
	issuer     string
}

func NewKeepalive(cfg *KeepaliveConfig) (*Keepalive, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("session keep-alive requires a signing key")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &Keepalive{
		logger:     logger.Named("keepalive"),
		key:        cfg.SigningKey,
		sessionTTL: ttl,
		issuer:     issuer,
	}, nil
}

// Mint issues a fresh session credential for a subject.
func (k *Keepalive) Mint(subject string) (*structs.CredentialRefresh, error) {
	now := time.Now().UTC()
	expires := now.Add(k.sessionTTL)

	claims := jwt.RegisteredClaims{
		Issuer:    k.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.Generate(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.key)
	if err != nil {
		return nil, fmt.Errorf("credential signing failed: %w", err)
	}

	return &structs.CredentialRefresh{
		Token:     token,
		Subject:   subject,
		ExpiresAt: expires,
		RenewAt:   now.Add(helper.ExpiryToRenewTime(expires, time.Now, minRenewWait)),
	}, nil
}

// Verify checks a credential strictly and returns its subject and
// expiry.
func (k *Keepalive) Verify(token string) (string, time.Time, error) {
	return k.verify(token, 0)
}

func (k *Keepalive) verify(token string, leeway time.Duration) (string, time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if leeway > 0 {
		opts = append(opts, jwt.WithLeeway(leeway))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return k.key, nil
	}, opts...)
	if err != nil {
		return "", time.Time{}, err
	}
	if !parsed.Valid || claims.ExpiresAt == nil {
		return "", time.Time{}, jwt.ErrTokenUnverifiable
	}
	return claims.Subject, claims.ExpiresAt.Time, nil
}

// MaybeRefresh returns a replacement credential when the presented one
// expires within two refresh intervals. A presentation that expired less
// than one refresh interval ago is still honored, giving the holder a
// grace window to switch tokens. Returns nil without error when no
// refresh is due.
func (k *Keepalive) MaybeRefresh(token string, refreshInterval time.Duration) (*structs.CredentialRefresh, error) {
	if refreshInterval <= 0 {
		return nil, nil
	}

	subject, expires, err := k.verify(token, refreshInterval)
	if err != nil {
		return nil, err
	}
	if time.Until(expires) >= 2*refreshInterval {
		return nil, nil
	}

	cred, err := k.Mint(subject)
	if err != nil {
		return nil, err
	}
	k.logger.Debug("refreshed session credential", "subject", subject, "expires_at", cred.ExpiresAt)
	metrics.IncrCounter([]string{"windlass", "keepalive", "refreshed"}, 1)
	return cred, nil
}
