package main

import (
	"sync"
)

// directory indexes subscribers by owning account. It never creates or
// destroys a subscriber.
type directory struct {
	mux      sync.Mutex // Protects accounts
	accounts map[string][]*subscriber
}

func newDirectory() *directory {
	return &directory{accounts: make(map[string][]*subscriber)}
}

func (d *directory) add(accountID string, s *subscriber) {
	d.mux.Lock()
	defer d.mux.Unlock()

	for _, cur := range d.accounts[accountID] {
		if cur == s {
			return
		}
	}
	d.accounts[accountID] = append(d.accounts[accountID], s)
}

// remove drops s and the account once its list is empty. Unknown entries
// are ignored.
func (d *directory) remove(accountID string, s *subscriber) {
	d.mux.Lock()
	defer d.mux.Unlock()

	subs, ok := d.accounts[accountID]
	if !ok {
		return
	}
	for i, cur := range subs {
		if cur == s {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(d.accounts, accountID)
		return
	}
	d.accounts[accountID] = subs
}

func (d *directory) listFor(accountID string) []*subscriber {
	d.mux.Lock()
	defer d.mux.Unlock()
	return append([]*subscriber(nil), d.accounts[accountID]...)
}

func (d *directory) countFor(accountID string) int {
	d.mux.Lock()
	defer d.mux.Unlock()
	return len(d.accounts[accountID])
}

func (d *directory) snapshot() map[string][]*subscriber {
	d.mux.Lock()
	defer d.mux.Unlock()

	out := make(map[string][]*subscriber, len(d.accounts))
	for account, subs := range d.accounts {
		out[account] = append([]*subscriber(nil), subs...)
	}
	return out
}
