// Copyright 2025 The Steplite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"sync"
)

// Registry maps resource names (e.g. "orderService.validate") to handlers.
// It is populated at startup and effectively immutable during execution;
// Register is still safe to call concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a resource name, replacing any previous
// binding.
func (r *Registry) Register(resource string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[resource] = handler
}

// Lookup returns the handler bound to resource, or false when none exists.
func (r *Registry) Lookup(resource string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[resource]
	return h, ok
}

// Has reports whether a handler is bound to resource.
func (r *Registry) Has(resource string) bool {
	_, ok := r.Lookup(resource)
	return ok
}

// Resources returns the registered resource names.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
