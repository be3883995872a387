package memory

import (
	"context"
	"sync"

	"github.com/ignite/sendpipeline/internal/domain"
)

type contact struct {
	recipient domain.Recipient
	userID    string
	listID    string
	tags      map[string]bool
}

// Contacts is an in-process sending.ContactSource.
type Contacts struct {
	mu       sync.RWMutex
	contacts []contact
}

// NewContacts returns an empty contact source.
func NewContacts() *Contacts {
	return &Contacts{}
}

// Add registers a contact owned by userID on listID.
func (c *Contacts) Add(userID, listID string, r domain.Recipient, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := make(map[string]bool, len(tags))
	for _, tag := range tags {
		t[tag] = true
	}
	c.contacts = append(c.contacts, contact{recipient: r, userID: userID, listID: listID, tags: t})
}

// Lookup returns the user's contacts on any of the filter's lists that carry
// every filter tag, in insertion order, deduplicated by email.
func (c *Contacts) Lookup(_ context.Context, userID string, f domain.ContactFilter) ([]domain.Recipient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lists := make(map[string]bool, len(f.ListIDs))
	for _, id := range f.ListIDs {
		lists[id] = true
	}
	seen := make(map[string]bool)
	var out []domain.Recipient
	for _, ct := range c.contacts {
		if ct.userID != userID {
			continue
		}
		if len(lists) > 0 && !lists[ct.listID] {
			continue
		}
		match := true
		for _, tag := range f.Tags {
			if !ct.tags[tag] {
				match = false
				break
			}
		}
		if !match || seen[ct.recipient.Email] {
			continue
		}
		seen[ct.recipient.Email] = true
		out = append(out, ct.recipient)
	}
	return out, nil
}
