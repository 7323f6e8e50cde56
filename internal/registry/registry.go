// Package registry maps chat channels to working directories for the
// child process and enforces the sender allow-list.
package registry

import (
	"sort"

	"github.com/workspace/chat-bridge/internal/config"
)

// Binding is the resolved working context for a channel.
type Binding struct {
	ChannelID string
	Path      string
	Name      string
}

// Registry holds the static channel map. It is built once at startup and
// is read-only afterwards, so lookups need no locking.
type Registry struct {
	bindings map[string]Binding
	def      Binding
	allowed  map[string]struct{}
}

// New builds a registry from configuration. Channels absent from the map
// resolve to the default binding.
func New(channels map[string]config.ChannelBinding, defaultPath, defaultName string, allowedUsers []string) *Registry {
	r := &Registry{
		bindings: make(map[string]Binding, len(channels)),
		def: Binding{
			Path: defaultPath,
			Name: defaultName,
		},
	}
	for id, b := range channels {
		r.bindings[id] = Binding{ChannelID: id, Path: b.Path, Name: b.Name}
	}
	if len(allowedUsers) > 0 {
		r.allowed = make(map[string]struct{}, len(allowedUsers))
		for _, u := range allowedUsers {
			r.allowed[u] = struct{}{}
		}
	}
	return r
}

// Resolve returns the binding for a channel. Unmapped channels get the
// default binding; absence is not an error.
func (r *Registry) Resolve(channelID string) Binding {
	if b, ok := r.bindings[channelID]; ok {
		return b
	}
	b := r.def
	b.ChannelID = channelID
	return b
}

// IsMapped reports whether the channel has an explicit binding.
func (r *Registry) IsMapped(channelID string) bool {
	_, ok := r.bindings[channelID]
	return ok
}

// IsAuthorized reports whether a sender may use the bridge. An empty
// allow-list admits everyone.
func (r *Registry) IsAuthorized(userID string) bool {
	if r.allowed == nil {
		return true
	}
	_, ok := r.allowed[userID]
	return ok
}

// Bindings returns all explicit bindings sorted by channel ID, for status
// reporting.
func (r *Registry) Bindings() []Binding {
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}
