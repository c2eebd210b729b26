package auth

import (
	"context"
	"sort"
	"sync"
)

// Directory resolves users and devices. It is owned by the surrounding
// product; the core only reads from it.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
	Device(ctx context.Context, id string) (Device, error)
	Admins(ctx context.Context) ([]User, error)
}

// InMemory is a Directory backed by maps, used by agents and tests.
type InMemory struct {
	mu      sync.RWMutex
	users   map[string]User
	devices map[string]Device
}

var _ Directory = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		users:   make(map[string]User),
		devices: make(map[string]Device),
	}
}

// PutUser inserts or replaces a user.
func (d *InMemory) PutUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// PutDevice inserts or replaces a device.
func (d *InMemory) PutDevice(dev Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.ID] = dev
}

func (d *InMemory) User(ctx context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (d *InMemory) Device(ctx context.Context, id string) (Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return dev, nil
}

func (d *InMemory) Admins(ctx context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []User
	for _, u := range d.users {
		if u.IsAdmin() && u.IsActive {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
