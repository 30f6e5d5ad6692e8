// Package directory resolves the recipients of a fan-out.
package directory

import (
	"context"
	"sort"
	"strings"
)

// User is one addressable member of the directory.
type User struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Static serves a fixed user list, typically from config.
type Static struct {
	users []User
}

func NewStatic(users []User) *Static {
	out := make([]User, 0, len(users))
	for _, u := range users {
		u.ID = strings.TrimSpace(u.ID)
		u.Address = strings.TrimSpace(u.Address)
		if u.Address == "" {
			continue
		}
		out = append(out, u)
	}
	return &Static{users: out}
}

// AllAddressesExcept returns every address not owned by actorID, deduplicated and sorted.
func (s *Static) AllAddressesExcept(_ context.Context, actorID string) ([]string, error) {
	actorID = strings.TrimSpace(actorID)
	return uniqueSorted(s.users, func(u User) bool { return actorID != "" && u.ID == actorID }), nil
}

func uniqueSorted(users []User, skip func(User) bool) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if skip(u) {
			continue
		}
		if _, ok := seen[u.Address]; ok {
			continue
		}
		seen[u.Address] = struct{}{}
		out = append(out, u.Address)
	}
	sort.Strings(out)
	return out
}
