// Package memory is an in-process implementation of storage.Store for
// single-instance deployments and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/warden/pkg/storage"
)

type membershipKey struct {
	userID, orgID int64
}

type permissionKey struct {
	authorityID int64
	resource    string
}

// Store keeps every table in maps guarded by one mutex
type Store struct {
	mu sync.RWMutex

	nextOrgID       int64
	nextUserID      int64
	nextAuthorityID int64

	orgs          map[int64]*storage.Organization
	users         map[int64]*storage.User
	memberships   map[membershipKey]storage.Membership
	authorities   map[int64]*storage.Authority
	permissions   map[permissionKey]int
	assignments   map[storage.AuthorityAssignment]struct{}
	refreshTokens map[string]*storage.RefreshToken
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		orgs:          make(map[int64]*storage.Organization),
		users:         make(map[int64]*storage.User),
		memberships:   make(map[membershipKey]storage.Membership),
		authorities:   make(map[int64]*storage.Authority),
		permissions:   make(map[permissionKey]int),
		assignments:   make(map[storage.AuthorityAssignment]struct{}),
		refreshTokens: make(map[string]*storage.RefreshToken),
	}
}

// CreateOrganization adds an organization and sets its ID
func (s *Store) CreateOrganization(org *storage.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrgID++
	org.ID = s.nextOrgID
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	cp := *org
	s.orgs[org.ID] = &cp
}

// SetOrganizationActive activates or deactivates an organization
func (s *Store) SetOrganizationActive(id int64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org, ok := s.orgs[id]; ok {
		org.Active = active
	}
}

// CreateUser adds a user and sets its ID
func (s *Store) CreateUser(user *storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUserID++
	user.ID = s.nextUserID
	user.Email = strings.ToLower(user.Email)
	if user.SystemRole == "" {
		user.SystemRole = storage.SystemRoleNone
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	cp := *user
	s.users[user.ID] = &cp
}

// SetSystemRole changes a user's system role
func (s *Store) SetSystemRole(userID int64, role storage.SystemRole) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[userID]; ok {
		user.SystemRole = role
	}
}

// GetOrganizationBySlug retrieves an organization by slug
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*storage.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, org := range s.orgs {
		if org.Slug == slug {
			cp := *org
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Email == email {
			cp := *user
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// HasMembership reports whether the user belongs to the organization
func (s *Store) HasMembership(ctx context.Context, userID, organizationID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.memberships[membershipKey{userID, organizationID}]
	return ok, nil
}

// ListGrantedPermissions returns rows reachable through the user's assignments
func (s *Store) ListGrantedPermissions(ctx context.Context, userID, organizationID int64) ([]storage.ResourcePermission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var perms []storage.ResourcePermission
	for assignment := range s.assignments {
		if assignment.UserID != userID {
			continue
		}
		authority, ok := s.authorities[assignment.AuthorityID]
		if !ok {
			continue
		}
		if authority.OrganizationID != nil && *authority.OrganizationID != organizationID {
			continue
		}
		for key, level := range s.permissions {
			if key.authorityID == authority.ID {
				perms = append(perms, storage.ResourcePermission{AuthorityID: key.authorityID, Resource: key.resource, Level: level})
			}
		}
	}

	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Resource != perms[j].Resource {
			return perms[i].Resource < perms[j].Resource
		}
		return perms[i].AuthorityID < perms[j].AuthorityID
	})
	return perms, nil
}

// CreateAuthority adds an authority and sets its ID
func (s *Store) CreateAuthority(ctx context.Context, authority *storage.Authority) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuthorityID++
	authority.ID = s.nextAuthorityID
	authority.CreatedAt = time.Now().UTC()
	cp := *authority
	s.authorities[authority.ID] = &cp
	return nil
}

// GetAuthority retrieves an authority by ID
func (s *Store) GetAuthority(ctx context.Context, id int64) (*storage.Authority, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	authority, ok := s.authorities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *authority
	return &cp, nil
}

// SetResourcePermission inserts or updates a resource permission row
func (s *Store) SetResourcePermission(ctx context.Context, perm storage.ResourcePermission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorities[perm.AuthorityID]; !ok {
		return storage.ErrNotFound
	}
	s.permissions[permissionKey{perm.AuthorityID, perm.Resource}] = perm.Level
	return nil
}

// DeleteResourcePermission removes a resource permission row
func (s *Store) DeleteResourcePermission(ctx context.Context, authorityID int64, resource string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := permissionKey{authorityID, resource}
	if _, ok := s.permissions[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.permissions, key)
	return nil
}

// AssignAuthority grants an authority to a user
func (s *Store) AssignAuthority(ctx context.Context, assignment storage.AuthorityAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorities[assignment.AuthorityID]; !ok {
		return storage.ErrNotFound
	}
	s.assignments[assignment] = struct{}{}
	return nil
}

// UnassignAuthority removes an authority from a user
func (s *Store) UnassignAuthority(ctx context.Context, assignment storage.AuthorityAssignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[assignment]; !ok {
		return storage.ErrNotFound
	}
	delete(s.assignments, assignment)
	return nil
}

// ListAuthorityAssignees returns the users holding an authority, sorted
func (s *Store) ListAuthorityAssignees(ctx context.Context, authorityID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userIDs []int64
	for assignment := range s.assignments {
		if assignment.AuthorityID == authorityID {
			userIDs = append(userIDs, assignment.UserID)
		}
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })
	return userIDs, nil
}

// AddMembership adds or updates a membership
func (s *Store) AddMembership(ctx context.Context, membership storage.Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if membership.Role == "" {
		membership.Role = "member"
	}
	s.memberships[membershipKey{membership.UserID, membership.OrganizationID}] = membership
	return nil
}

// RemoveMembership removes a membership
func (s *Store) RemoveMembership(ctx context.Context, userID, organizationID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey{userID, organizationID}
	if _, ok := s.memberships[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.memberships, key)
	return nil
}

// CreateRefreshToken stores a refresh token
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.refreshTokens[token.TokenHash] = &cp
	return nil
}

// GetRefreshToken retrieves a refresh token by digest
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *token
	return &cp, nil
}

// RotateRefreshToken revokes an active parent and stores its child atomically
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string, child *storage.RefreshToken, at time.Time, ip string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.refreshTokens[tokenHash]
	if !ok {
		return storage.ErrNotFound
	}
	if parent.IsRevoked() || parent.IsReplaced() {
		return storage.ErrConflict
	}

	revokedAt := at
	parent.RevokedAt = &revokedAt
	parent.RevokedByIP = ip
	parent.RevokedReason = "rotated"
	parent.ReplacedByHash = child.TokenHash

	cp := *child
	s.refreshTokens[child.TokenHash] = &cp
	return nil
}

// RevokeChain revokes every active token of a chain
func (s *Store) RevokeChain(ctx context.Context, chainID string, at time.Time, ip, reason string) (int64, error) {
	return s.revokeWhere(ctx, at, ip, reason, func(t *storage.RefreshToken) bool {
		return t.ChainID == chainID
	})
}

// RevokeUserTokens revokes every active token of a user
func (s *Store) RevokeUserTokens(ctx context.Context, userID int64, at time.Time, reason string) (int64, error) {
	return s.revokeWhere(ctx, at, "", reason, func(t *storage.RefreshToken) bool {
		return t.UserID == userID
	})
}

func (s *Store) revokeWhere(ctx context.Context, at time.Time, ip, reason string, match func(*storage.RefreshToken) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, token := range s.refreshTokens {
		if token.IsRevoked() || !match(token) {
			continue
		}
		revokedAt := at
		token.RevokedAt = &revokedAt
		token.RevokedByIP = ip
		token.RevokedReason = reason
		n++
	}
	return n, nil
}

// DeleteExpiredRefreshTokens removes tokens that expired before the cutoff
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, token := range s.refreshTokens {
		if token.ExpiresAt.Before(before) {
			delete(s.refreshTokens, hash)
			n++
		}
	}
	return n, nil
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}
