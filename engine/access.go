package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cyp0633/libcalrecur/storage"
)

// Scope selects which visible events a query returns.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeOwned
	ScopeShared
)

func (s Scope) String() string {
	switch s {
	case ScopeOwned:
		return "owned"
	case ScopeShared:
		return "shared"
	default:
		return "all"
	}
}

// ParseScope parses "all", "owned" or "shared".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "all":
		return ScopeAll, nil
	case "owned":
		return ScopeOwned, nil
	case "shared":
		return ScopeShared, nil
	}
	return ScopeAll, fmt.Errorf("unknown scope %q", s)
}

// Grant is an event the caller may see.
type Grant struct {
	Event    storage.Event
	Editable bool
}

// AccessFilter decides which events are visible and which are editable.
type AccessFilter interface {
	Filter(ctx context.Context, events []storage.Event) ([]Grant, error)
}

// AccessFilterFunc adapts a function to AccessFilter.
type AccessFilterFunc func(ctx context.Context, events []storage.Event) ([]Grant, error)

func (f AccessFilterFunc) Filter(ctx context.Context, events []storage.Event) ([]Grant, error) {
	return f(ctx, events)
}

// AllowAll shows every event as editable.
var AllowAll = AccessFilterFunc(func(_ context.Context, events []storage.Event) ([]Grant, error) {
	grants := make([]Grant, len(events))
	for i, e := range events {
		grants[i] = Grant{Event: e, Editable: true}
	}
	return grants, nil
})

// OwnerFilter shows a user the events they own and those shared with them.
// Owned events are editable; shared ones are editable when the share says
// so.
type OwnerFilter struct {
	User   uuid.UUID
	Scope  Scope
	Shares storage.ShareStore
}

func (f OwnerFilter) Filter(ctx context.Context, events []storage.Event) ([]Grant, error) {
	var shared map[uuid.UUID]storage.Share
	if f.Scope != ScopeOwned && f.Shares != nil {
		list, err := f.Shares.ListShares(ctx, f.User)
		if err != nil {
			return nil, fmt.Errorf("list shares: %w", err)
		}
		shared = make(map[uuid.UUID]storage.Share, len(list))
		for _, s := range list {
			shared[s.EventID] = s
		}
	}

	grants := make([]Grant, 0, len(events))
	for _, e := range events {
		if e.Owner == f.User {
			if f.Scope != ScopeShared {
				grants = append(grants, Grant{Event: e, Editable: true})
			}
			continue
		}
		if s, ok := shared[e.ID]; ok {
			grants = append(grants, Grant{Event: e, Editable: s.CanEdit})
		}
	}
	return grants, nil
}
