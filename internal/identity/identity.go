// ABOUTME: Normalizes identity-adapter claims and local logins into Principals
// ABOUTME: Effective groups are the login's claim groups unioned with manual memberships

package identity

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/tunnelward/internal/apperr"
	"github.com/2389/tunnelward/internal/store"
)

// MinPasswordLength is the shortest password accepted for local principals.
const MinPasswordLength = 12

// Principal is the resolved identity the engine authorizes against.
type Principal struct {
	ID       string
	Email    string
	Name     string
	Source   store.PrincipalSource
	Groups   []string // sorted, deduplicated
	IsAdmin  bool
	IsActive bool
}

// InGroup reports whether the principal is a member of the named group.
func (p *Principal) InGroup(name string) bool {
	_, found := slices.BinarySearch(p.Groups, name)
	return found
}

// Claims is what the external identity adapter supplies after an SSO login.
type Claims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

// Store is the persistence the identity service needs.
type Store interface {
	GetPrincipal(ctx context.Context, id string) (*store.Principal, error)
	GetPrincipalByEmail(ctx context.Context, email string) (*store.Principal, error)
	CreatePrincipal(ctx context.Context, p *store.Principal) error
	UpdatePrincipal(ctx context.Context, p *store.Principal) error
	RecordLogin(ctx context.Context, principalID string, claimGroups []string, at time.Time) error
	ListManualGroups(ctx context.Context, principalID string) ([]string, error)
}

// Options controls automatic admin grants for SSO principals.
type Options struct {
	AdminEmails []string // granted admin on every login
	AdminGroups []string // claim groups that grant admin
}

// Service turns logins into Principals.
type Service struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an identity service.
func NewService(s Store, opts Options) *Service {
	for i, e := range opts.AdminEmails {
		opts.AdminEmails[i] = store.NormalizeEmail(e)
	}
	return &Service{
		store:  s,
		opts:   opts,
		logger: slog.Default().With("component", "identity"),
		now:    time.Now,
	}
}

// NormalizeGroups lowercases and deduplicates claim groups, dropping names
// that are not valid group names.
func NormalizeGroups(groups []string) (valid, dropped []string) {
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if err := store.ValidateGroupName(g); err != nil {
			dropped = append(dropped, g)
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		valid = append(valid, g)
	}
	slices.Sort(valid)
	return valid, dropped
}

// LoginSSO upserts the principal named by the claims and refreshes its
// claim-group snapshot. Unknown emails are provisioned as active SSO
// principals; disabled principals are refused.
func (s *Service) LoginSSO(ctx context.Context, c Claims) (*Principal, error) {
	email := store.NormalizeEmail(c.Email)
	if email == "" {
		return nil, apperr.New(apperr.KindValidation, "claims must include an email")
	}
	groups, dropped := NormalizeGroups(c.Groups)
	if len(dropped) > 0 {
		s.logger.Warn("dropping invalid group claims", "email", email, "groups", dropped)
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = email
	}
	wantAdmin := s.grantsAdmin(email, groups)

	sp, err := s.store.GetPrincipalByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sp = &store.Principal{
			Email:       email,
			Name:        name,
			Source:      store.PrincipalSourceSSO,
			IsAdmin:     wantAdmin,
			IsActive:    true,
			ClaimGroups: groups,
		}
		if err := s.store.CreatePrincipal(ctx, sp); err != nil {
			return nil, err
		}
		s.logger.Info("provisioned principal from sso", "principal_id", sp.ID, "email", email)
	case err != nil:
		return nil, err
	case sp.Source != store.PrincipalSourceSSO:
		return nil, apperr.New(apperr.KindConflict, "email belongs to a local account")
	case !sp.IsActive:
		return nil, apperr.New(apperr.KindForbidden, "principal is disabled")
	case wantAdmin && !sp.IsAdmin, sp.Name != name:
		sp.IsAdmin = sp.IsAdmin || wantAdmin
		sp.Name = name
		if err := s.store.UpdatePrincipal(ctx, sp); err != nil {
			return nil, err
		}
	}

	if err := s.store.RecordLogin(ctx, sp.ID, groups, s.now().UTC()); err != nil {
		return nil, err
	}
	sp.ClaimGroups = groups
	return s.project(ctx, sp)
}

// LoginLocal checks a local principal's password.
func (s *Service) LoginLocal(ctx context.Context, email, password string) (*Principal, error) {
	denied := apperr.New(apperr.KindUnauthorized, "invalid email or password")

	sp, err := s.store.GetPrincipalByEmail(ctx, store.NormalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		// Unknown emails cost the same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, denied
	}
	if err != nil {
		return nil, err
	}
	if sp.Source != store.PrincipalSourceLocal {
		return nil, denied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(sp.PasswordHash), []byte(password)); err != nil {
		return nil, denied
	}
	if !sp.IsActive {
		return nil, apperr.New(apperr.KindForbidden, "principal is disabled")
	}
	if err := s.store.RecordLogin(ctx, sp.ID, nil, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.project(ctx, sp)
}

// Resolve loads a principal by ID with its current effective groups.
func (s *Service) Resolve(ctx context.Context, id string) (*Principal, error) {
	sp, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.project(ctx, sp)
}

// CreateLocal provisions a local principal with a bcrypt-hashed password.
func (s *Service) CreateLocal(ctx context.Context, email, name, password string, isAdmin bool) (*Principal, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	sp := &store.Principal{
		Email:        email,
		Name:         name,
		Source:       store.PrincipalSourceLocal,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		IsActive:     true,
	}
	if err := s.store.CreatePrincipal(ctx, sp); err != nil {
		return nil, err
	}
	return s.project(ctx, sp)
}

func (s *Service) project(ctx context.Context, sp *store.Principal) (*Principal, error) {
	manual, err := s.store.ListManualGroups(ctx, sp.ID)
	if err != nil {
		return nil, err
	}
	return Project(sp, manual), nil
}

// Project builds a Principal from the stored record and its manual groups.
func Project(sp *store.Principal, manualGroups []string) *Principal {
	groups := make([]string, 0, len(sp.ClaimGroups)+len(manualGroups))
	groups = append(groups, sp.ClaimGroups...)
	groups = append(groups, manualGroups...)
	slices.Sort(groups)
	groups = slices.Compact(groups)

	return &Principal{
		ID:       sp.ID,
		Email:    sp.Email,
		Name:     sp.Name,
		Source:   sp.Source,
		Groups:   groups,
		IsAdmin:  sp.IsAdmin,
		IsActive: sp.IsActive,
	}
}

func (s *Service) grantsAdmin(email string, groups []string) bool {
	if slices.Contains(s.opts.AdminEmails, email) {
		return true
	}
	for _, g := range s.opts.AdminGroups {
		if _, ok := slices.BinarySearch(groups, g); ok {
			return true
		}
	}
	return false
}

// HashPassword hashes a local password with bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", apperr.Newf(apperr.KindValidation, "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "hashing password", err)
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("tunnelward-timing-equalizer"), bcrypt.DefaultCost)
