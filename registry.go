package genmqtt

import "sync"

// Registry provides name-based lookup of clients. It is a convenience
// external to the client core: clients work purely by handle and never
// consult a registry themselves.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// Register associates a name with a client. Registering a name that is
// already taken is an error.
func (r *Registry) Register(name string, client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[name]; exists {
		return &InvalidArgumentError{
			message: "name already registered: " + name,
		}
	}
	r.clients[name] = client
	return nil
}

// Lookup returns the client registered under the name, if any.
func (r *Registry) Lookup(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[name]
	return client, ok
}

// Unregister removes the name. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, name)
}
