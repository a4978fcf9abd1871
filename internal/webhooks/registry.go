// Package webhooks fans collection lifecycle events out to configured
// HTTP endpoints. Deliveries are asynchronous, signed with HMAC-SHA256,
// and retried with quadratic back-off.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription is one registered endpoint. Empty Events means all event
// types.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Registry stores subscriptions. Configured URLs are seeded at startup.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]*Subscription)}
}

// SeedURLs registers one all-events subscription per configured URL, all
// sharing the deployment-wide secret.
func (r *Registry) SeedURLs(urls []string, secret string) {
	for _, url := range urls {
		r.Register(&Subscription{URL: url, Secret: secret})
	}
}

// Register adds a subscription, assigning ID and defaults.
func (r *Registry) Register(sub *Subscription) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0
	r.hooks[sub.ID] = sub
	return sub.ID
}

// Remove deletes a subscription.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, id)
}

// Subscribers returns active subscriptions matching the event type.
func (r *Registry) Subscribers(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.hooks {
		if sub.Active && sub.wants(eventType) {
			active = append(active, sub)
		}
	}
	return active
}

// List returns every subscription.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		out = append(out, sub)
	}
	return out
}

// MarkFailed increments the failure count and disables the endpoint after
// ten strikes.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
	}
}

// MarkDelivered resets the failure counter after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload computes the hex HMAC-SHA256 of the payload under the
// subscription secret, carried in X-Webhook-Signature.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
