// Package account links EVE characters from freshly minted SSO tokens.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evetrade/ledger-engine/internal/esi"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

var (
	// ErrMissingToken is returned when either token is empty.
	ErrMissingToken = errors.New("account: access and refresh tokens are required")

	// ErrIdentityMismatch is returned when the token subject disagrees
	// with the character reported by /verify.
	ErrIdentityMismatch = errors.New("account: token subject does not match verified character")
)

// TokenCache drops cached access tokens. *esi.Credentials satisfies it.
type TokenCache interface {
	Forget(principalID int64)
}

type verifyResponse struct {
	CharacterID        int64  `json:"CharacterID"`
	CharacterName      string `json:"CharacterName"`
	Scopes             string `json:"Scopes"`
	CharacterOwnerHash string `json:"CharacterOwnerHash"`
}

type characterResponse struct {
	CorporationID int64 `json:"corporation_id"`
}

type corporationResponse struct {
	Name string `json:"name"`
}

// Linker upserts principals from SSO tokens.
type Linker struct {
	store  store.Store
	esi    esi.Fetcher
	sealer esi.Sealer
	tokens TokenCache
	logger *slog.Logger
}

// NewLinker creates a Linker. sealer and tokens may be nil.
func NewLinker(st store.Store, f esi.Fetcher, sealer esi.Sealer, tokens TokenCache, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{store: st, esi: f, sealer: sealer, tokens: tokens, logger: logger}
}

// Link verifies accessToken, looks up the character's corporation, and
// creates or updates the principal. The first principal linked becomes
// the default trader. Reports whether a new principal was created.
func (l *Linker) Link(ctx context.Context, accessToken, refreshToken string) (*model.Principal, bool, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, false, ErrMissingToken
	}
	auth := esi.WithToken(accessToken)

	v, err := esi.FetchInto[verifyResponse](ctx, l.esi, "/verify", nil, auth, true)
	if err != nil {
		return nil, false, fmt.Errorf("verifying token: %w", err)
	}
	if v.CharacterID == 0 || v.CharacterName == "" {
		return nil, false, fmt.Errorf("verifying token: response has no character")
	}
	if err := checkSubject(accessToken, v.CharacterID); err != nil {
		return nil, false, err
	}

	var corpID int64
	var corpName string
	c, err := esi.FetchInto[characterResponse](ctx, l.esi, fmt.Sprintf("/latest/characters/%d/", v.CharacterID), nil, auth, true)
	if err != nil {
		return nil, false, fmt.Errorf("looking up character %d: %w", v.CharacterID, err)
	}
	if c.CorporationID != 0 {
		corpID = c.CorporationID
		corp, err := esi.FetchInto[corporationResponse](ctx, l.esi, fmt.Sprintf("/latest/corporations/%d/", corpID), nil, esi.Public(), true)
		if err != nil {
			return nil, false, fmt.Errorf("looking up corporation %d: %w", corpID, err)
		}
		corpName = corp.Name
	}

	sealed := refreshToken
	if l.sealer != nil {
		if sealed, err = l.sealer.Seal(refreshToken); err != nil {
			return nil, false, fmt.Errorf("sealing refresh token: %w", err)
		}
	}

	var p *model.Principal
	var created bool
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetPrincipalByCharacter(ctx, v.CharacterID)
		switch {
		case err == nil:
			existing.Name = v.CharacterName
			existing.CorporationID = corpID
			existing.CorporationName = corpName
			existing.RefreshToken = sealed
			existing.Scopes = v.Scopes
			existing.OwnerHash = v.CharacterOwnerHash
			p = existing
			return tx.UpdatePrincipal(ctx, existing)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		all, err := tx.ListPrincipals(ctx)
		if err != nil {
			return err
		}
		p = &model.Principal{
			Kind:            model.SourceCharacter,
			CharacterID:     v.CharacterID,
			Name:            v.CharacterName,
			CorporationID:   corpID,
			CorporationName: corpName,
			RefreshToken:    sealed,
			Scopes:          v.Scopes,
			OwnerHash:       v.CharacterOwnerHash,
			ScanBuys:        true,
			ScanSells:       true,
			IsDefaultTrader: len(all) == 0,
			CreatedAt:       time.Now().UTC(),
		}
		created = true
		return tx.CreatePrincipal(ctx, p)
	})
	if err != nil {
		return nil, false, fmt.Errorf("saving principal for character %d: %w", v.CharacterID, err)
	}

	if !created && l.tokens != nil {
		l.tokens.Forget(p.ID)
	}
	l.logger.Info("character linked",
		"principal", p.ID,
		"character", p.CharacterID,
		"name", p.Name,
		"created", created,
	)
	return p, created, nil
}

// checkSubject compares the JWT sub claim ("CHARACTER:EVE:<id>") with
// the verified character. Opaque tokens are not checked.
func checkSubject(accessToken string, characterID int64) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return nil
	}
	if claims.Subject == "" {
		return nil
	}
	id, ok := strings.CutPrefix(claims.Subject, "CHARACTER:EVE:")
	if !ok || id != strconv.FormatInt(characterID, 10) {
		return fmt.Errorf("%w: subject %q, character %d", ErrIdentityMismatch, claims.Subject, characterID)
	}
	return nil
}
