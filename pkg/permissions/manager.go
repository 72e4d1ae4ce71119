package permissions

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/cachebus"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/storage"
)

// maxPatternsPerMutation caps per-user pattern messages for a global authority;
// beyond it one message invalidates everything
const maxPatternsPerMutation = 64

// Manager applies permission mutations and publishes the resulting
// invalidations. Publishing is fire-and-forget: a bus failure is logged and
// counted but never fails the mutation.
type Manager struct {
	store   storage.PermissionWriter
	bus     cachebus.Bus
	now     func() time.Time
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerClock overrides the clock used for invalidation timestamps
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithManagerMetrics records publish failures
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager writing to store and publishing on bus
func NewManager(store storage.PermissionWriter, bus cachebus.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = observability.OrDefault(m.logger)
	return m
}

// CreateAuthority stores a new authority. It has no assignees yet, so nothing is invalidated.
func (m *Manager) CreateAuthority(ctx context.Context, authority *storage.Authority) error {
	if authority.Name == "" {
		return fmt.Errorf("authority name is required")
	}
	if err := m.store.CreateAuthority(ctx, authority); err != nil {
		return fmt.Errorf("failed to create authority: %w", err)
	}
	return nil
}

// GetAuthority loads an authority
func (m *Manager) GetAuthority(ctx context.Context, authorityID int64) (*storage.Authority, error) {
	authority, err := m.store.GetAuthority(ctx, authorityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load authority %d: %w", authorityID, err)
	}
	return authority, nil
}

// SetResourcePermission grants level on resource to an authority
func (m *Manager) SetResourcePermission(ctx context.Context, authorityID int64, resource string, level Level) error {
	if resource == "" {
		return fmt.Errorf("resource is required")
	}
	if !level.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(level))
	}

	perm := storage.ResourcePermission{AuthorityID: authorityID, Resource: resource, Level: int(level)}
	if err := m.store.SetResourcePermission(ctx, perm); err != nil {
		return fmt.Errorf("failed to set resource permission: %w", err)
	}
	m.invalidateAuthority(ctx, authorityID)
	return nil
}

// RemoveResourcePermission drops an authority's row for resource
func (m *Manager) RemoveResourcePermission(ctx context.Context, authorityID int64, resource string) error {
	if err := m.store.DeleteResourcePermission(ctx, authorityID, resource); err != nil {
		return fmt.Errorf("failed to remove resource permission: %w", err)
	}
	m.invalidateAuthority(ctx, authorityID)
	return nil
}

// AssignAuthority grants an authority to a user
func (m *Manager) AssignAuthority(ctx context.Context, userID, authorityID int64) error {
	authority, err := m.store.GetAuthority(ctx, authorityID)
	if err != nil {
		return fmt.Errorf("failed to load authority %d: %w", authorityID, err)
	}
	if err := m.store.AssignAuthority(ctx, storage.AuthorityAssignment{UserID: userID, AuthorityID: authorityID}); err != nil {
		return fmt.Errorf("failed to assign authority: %w", err)
	}
	m.publish(ctx, userMessage(authority, userID, m.now()))
	return nil
}

// UnassignAuthority revokes an authority from a user
func (m *Manager) UnassignAuthority(ctx context.Context, userID, authorityID int64) error {
	authority, err := m.store.GetAuthority(ctx, authorityID)
	if err != nil {
		return fmt.Errorf("failed to load authority %d: %w", authorityID, err)
	}
	if err := m.store.UnassignAuthority(ctx, storage.AuthorityAssignment{UserID: userID, AuthorityID: authorityID}); err != nil {
		return fmt.Errorf("failed to unassign authority: %w", err)
	}
	m.publish(ctx, userMessage(authority, userID, m.now()))
	return nil
}

// AddMember adds a user to an organization
func (m *Manager) AddMember(ctx context.Context, userID, organizationID int64, role string) error {
	membership := storage.Membership{UserID: userID, OrganizationID: organizationID, Role: role}
	if err := m.store.AddMembership(ctx, membership); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	m.publish(ctx, cachebus.KeyMessage(CacheKey(organizationID, userID), m.now()))
	return nil
}

// RemoveMember removes a user from an organization
func (m *Manager) RemoveMember(ctx context.Context, userID, organizationID int64) error {
	if err := m.store.RemoveMembership(ctx, userID, organizationID); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	m.publish(ctx, cachebus.KeyMessage(CacheKey(organizationID, userID), m.now()))
	return nil
}

func userMessage(authority *storage.Authority, userID int64, at time.Time) cachebus.Message {
	if authority.IsGlobal() {
		return cachebus.PatternMessage(UserPattern(userID), at)
	}
	return cachebus.KeyMessage(CacheKey(*authority.OrganizationID, userID), at)
}

// invalidateAuthority publishes invalidations for every assignee of an
// authority. The mutation is already committed, so lookup failures fall back
// to invalidating everything.
func (m *Manager) invalidateAuthority(ctx context.Context, authorityID int64) {
	at := m.now()

	authority, err := m.store.GetAuthority(ctx, authorityID)
	if err != nil {
		m.logger.WithError(err).WithField("authority_id", authorityID).Warn("authority lookup failed, invalidating all permissions")
		m.publish(ctx, cachebus.PatternMessage(AllPattern, at))
		return
	}

	assignees, err := m.store.ListAuthorityAssignees(ctx, authorityID)
	if err != nil {
		m.logger.WithError(err).WithField("authority_id", authorityID).Warn("assignee lookup failed, invalidating all permissions")
		m.publish(ctx, cachebus.PatternMessage(AllPattern, at))
		return
	}
	if len(assignees) == 0 {
		return
	}

	if !authority.IsGlobal() {
		keys := make([]string, 0, len(assignees))
		for _, userID := range assignees {
			keys = append(keys, CacheKey(*authority.OrganizationID, userID))
		}
		m.publish(ctx, cachebus.KeysMessage(keys, at))
		return
	}

	if len(assignees) > maxPatternsPerMutation {
		m.publish(ctx, cachebus.PatternMessage(AllPattern, at))
		return
	}
	for _, userID := range assignees {
		m.publish(ctx, cachebus.PatternMessage(UserPattern(userID), at))
	}
}

func (m *Manager) publish(ctx context.Context, msg cachebus.Message) {
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.metrics.RecordPublishError()
		observability.FromContext(ctx).WithError(err).WithField("type", msg.Type).Error("failed to publish cache invalidation")
	}
}
