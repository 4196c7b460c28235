// Package sharing implements C5, Sharing & Authorization: owner/admin
// checks on an assistant, and diffing a desired share list against the
// current one so only one external-group sync call is made per update.
package sharing

import (
	"context"
	"fmt"
)

// Assistant is the subset of assistant data this package needs.
type Assistant struct {
	ID    int
	Owner string
	// GroupID is the external access-group identifier this assistant is
	// published under, empty when unpublished (shares still work, they
	// just have nothing to sync externally until GroupID is set).
	GroupID string
}

// Share is one row of an assistant's current share list.
type Share struct {
	AssistantID      int
	SharedWithUserID int
}

// CreatorUser is the subset of creator-user data this package needs.
type CreatorUser struct {
	ID       int
	Email    string
	IsAdmin  bool
	CanShare bool
}

// Store is the persistence boundary Service depends on.
type Store interface {
	GetAssistant(ctx context.Context, assistantID int) (Assistant, error)
	GetCreatorUser(ctx context.Context, userID int) (CreatorUser, error)
	GetAssistantShares(ctx context.Context, assistantID int) ([]Share, error)
	AddShare(ctx context.Context, assistantID, userID, grantedBy int) error
	RemoveShare(ctx context.Context, assistantID, userID int) error
	// OrgSharingEnabled reports the owning organization's
	// features.sharing_enabled flag.
	OrgSharingEnabled(ctx context.Context, assistantOwner string) (bool, error)
}

// GroupSync is the external access-group boundary (OWI-equivalent
// identity directory, out of scope per spec.md). Assistant.GroupID names
// the group this assistant's shares mirror, conventionally
// "assistant_<id>".
type GroupSync interface {
	SyncMembers(ctx context.Context, groupID string, memberEmails []string) error
}

// ErrNotFound is returned when the assistant or user does not exist.
var ErrNotFound = fmt.Errorf("sharing: not found")

// ErrForbidden is returned when the current user is neither the owner
// nor an admin, or sharing is organizationally disabled.
var ErrForbidden = fmt.Errorf("sharing: forbidden")

// Service implements the authorization checks and the diff-then-sync
// update flow.
type Service struct {
	store Store
	group GroupSync
}

// New builds a Service.
func New(store Store, group GroupSync) *Service {
	return &Service{store: store, group: group}
}

// CheckOwnerOrAdmin reports whether currentUserID may manage assistantID's
// sharing — either by owning it or by holding an admin role.
func (s *Service) CheckOwnerOrAdmin(ctx context.Context, assistantID, currentUserID int) error {
	a, err := s.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return fmt.Errorf("%w: assistant %d", ErrNotFound, assistantID)
	}
	u, err := s.store.GetCreatorUser(ctx, currentUserID)
	if err != nil {
		return fmt.Errorf("%w: user %d", ErrNotFound, currentUserID)
	}
	if a.Owner == u.Email || u.IsAdmin {
		return nil
	}
	return ErrForbidden
}

// UpdateShares sets the complete share list for assistantID to
// desiredUserIDs: it diffs against the current list, adds/removes only
// what changed, and syncs the external group exactly once regardless of
// how many individual shares changed — an add/remove storm never
// produces more than one group-sync call.
func (s *Service) UpdateShares(ctx context.Context, assistantID int, desiredUserIDs []int, currentUserID int) ([]Share, error) {
	a, err := s.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("%w: assistant %d", ErrNotFound, assistantID)
	}
	if err := s.CheckOwnerOrAdmin(ctx, assistantID, currentUserID); err != nil {
		return nil, err
	}

	if len(desiredUserIDs) > 0 {
		enabled, err := s.store.OrgSharingEnabled(ctx, a.Owner)
		if err != nil {
			return nil, fmt.Errorf("sharing: check org sharing: %w", err)
		}
		if !enabled {
			return nil, fmt.Errorf("%w: sharing disabled for this organization", ErrForbidden)
		}
		u, err := s.store.GetCreatorUser(ctx, currentUserID)
		if err != nil {
			return nil, fmt.Errorf("%w: user %d", ErrNotFound, currentUserID)
		}
		if !u.CanShare {
			return nil, fmt.Errorf("%w: sharing disabled for this user", ErrForbidden)
		}
	}

	current, err := s.store.GetAssistantShares(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("sharing: load current shares: %w", err)
	}

	currentIDs := make(map[int]struct{}, len(current))
	for _, sh := range current {
		currentIDs[sh.SharedWithUserID] = struct{}{}
	}
	desiredIDs := make(map[int]struct{}, len(desiredUserIDs))
	for _, id := range desiredUserIDs {
		desiredIDs[id] = struct{}{}
	}

	for id := range desiredIDs {
		if _, ok := currentIDs[id]; !ok {
			if err := s.store.AddShare(ctx, assistantID, id, currentUserID); err != nil {
				return nil, fmt.Errorf("sharing: add share for user %d: %w", id, err)
			}
		}
	}
	for id := range currentIDs {
		if _, ok := desiredIDs[id]; !ok {
			if err := s.store.RemoveShare(ctx, assistantID, id); err != nil {
				return nil, fmt.Errorf("sharing: remove share for user %d: %w", id, err)
			}
		}
	}

	if a.GroupID != "" {
		if err := s.syncGroup(ctx, assistantID, a.GroupID); err != nil {
			// Best-effort: the share rows are already committed; a group
			// sync failure is logged by the caller via the returned error
			// but does not roll back the share diff.
			return nil, fmt.Errorf("sharing: sync external group: %w", err)
		}
	}

	return s.store.GetAssistantShares(ctx, assistantID)
}

// syncGroup rewrites groupID's membership to {owner} ∪ {emails of
// shared-with}, per the P10 invariant: the published group always
// contains the assistant's own owner alongside everyone it's shared with.
func (s *Service) syncGroup(ctx context.Context, assistantID int, groupID string) error {
	a, err := s.store.GetAssistant(ctx, assistantID)
	if err != nil {
		return err
	}
	shares, err := s.store.GetAssistantShares(ctx, assistantID)
	if err != nil {
		return err
	}
	emails := make([]string, 0, len(shares)+1)
	emails = append(emails, a.Owner)
	for _, sh := range shares {
		u, err := s.store.GetCreatorUser(ctx, sh.SharedWithUserID)
		if err != nil {
			continue
		}
		emails = append(emails, u.Email)
	}
	return s.group.SyncMembers(ctx, groupID, emails)
}
