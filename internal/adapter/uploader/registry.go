package uploader

import (
	"sort"
	"sync"

	"github.com/cwygoda/uplink/internal/config"
	"github.com/cwygoda/uplink/internal/domain"
)

// Registry holds one uploader per platform. It is safe for concurrent use
// and can be swapped wholesale when the config is reloaded.
type Registry struct {
	mu        sync.RWMutex
	uploaders map[domain.Platform]domain.Uploader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{uploaders: make(map[domain.Platform]domain.Uploader)}
}

// Register adds or replaces the uploader for its platform.
func (r *Registry) Register(u domain.Uploader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploaders[u.Platform()] = u
}

// Get returns the uploader for a platform.
func (r *Registry) Get(p domain.Platform) (domain.Uploader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.uploaders[p]
	return u, ok
}

// Replace swaps the whole set. Uploads already running keep the instance
// they resolved.
func (r *Registry) Replace(us []domain.Uploader) {
	next := make(map[domain.Platform]domain.Uploader, len(us))
	for _, u := range us {
		next[u.Platform()] = u
	}
	r.mu.Lock()
	r.uploaders = next
	r.mu.Unlock()
}

// Platforms returns the registered platforms in sorted order.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.uploaders))
	for p := range r.uploaders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromConfig builds command uploaders for every definition.
func FromConfig(cfgs []config.UploaderConfig) ([]domain.Uploader, error) {
	out := make([]domain.Uploader, 0, len(cfgs))
	for _, uc := range cfgs {
		u, err := NewCommandUploader(uc)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
