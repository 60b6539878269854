package server

import (
	"sort"
	"sync"

	"chatrelay/models"
)

// UnknownCreator is recorded when a group is auto-created by a join for a
// name nobody explicitly created.
const UnknownCreator = "unknown"

type group struct {
	creator string
	members map[string]struct{}
}

// GroupRegistry is the in-memory group table. Store writes are the
// dispatcher's job; the registry only tracks live membership.
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[string]*group
}

func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{groups: make(map[string]*group)}
}

// Load rebuilds the registry from persisted groups at startup.
func (r *GroupRegistry) Load(groups []models.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range groups {
		entry := &group{creator: g.Creator, members: make(map[string]struct{})}
		entry.members[g.Creator] = struct{}{}
		for _, m := range g.Members {
			entry.members[m] = struct{}{}
		}
		r.groups[g.Name] = entry
	}
}

// Create adds the group if missing and joins creator plus members to it.
// The creator is always a member. Returns every member that was added.
func (r *GroupRegistry) Create(name, creator string, members []string) (added []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		g = &group{creator: creator, members: make(map[string]struct{})}
		r.groups[name] = g
	}

	for _, m := range append([]string{creator}, members...) {
		if _, in := g.members[m]; !in {
			g.members[m] = struct{}{}
			added = append(added, m)
		}
	}
	return added
}

// Join adds username, auto-creating the group with an unknown creator when it
// does not exist. created reports the auto-creation, joined whether the user
// was actually new to the group.
func (r *GroupRegistry) Join(name, username string) (created, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		g = &group{creator: UnknownCreator, members: make(map[string]struct{})}
		r.groups[name] = g
		created = true
	}

	if _, in := g.members[username]; in {
		return created, false
	}
	g.members[username] = struct{}{}
	return created, true
}

func (r *GroupRegistry) Leave(name, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		return false
	}
	if _, in := g.members[username]; !in {
		return false
	}
	delete(g.members, username)
	return true
}

// Remove drops the group entirely, returning its final member list.
func (r *GroupRegistry) Remove(name string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		return nil, false
	}
	delete(r.groups, name)
	return memberList(g), true
}

// RemoveUserFromAll drops username from every group's live membership.
// Persistent membership rows are untouched; they seed the registry on the
// next startup.
func (r *GroupRegistry) RemoveUserFromAll(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.groups {
		delete(g.members, username)
	}
}

func (r *GroupRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[name]
	return ok
}

func (r *GroupRegistry) IsMember(name, username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[name]
	if !ok {
		return false
	}
	_, in := g.members[username]
	return in
}

func (r *GroupRegistry) Creator(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[name]
	if !ok {
		return "", false
	}
	return g.creator, true
}

func (r *GroupRegistry) Members(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[name]
	if !ok {
		return nil
	}
	return memberList(g)
}

// GroupsOf returns the names of every group username belongs to.
func (r *GroupRegistry) GroupsOf(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, g := range r.groups {
		if _, in := g.members[username]; in {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func memberList(g *group) []string {
	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}
