// Package provider routes baker's lifecycle calls to the backend that owns
// a machine: libvirt for the control node and docker host, the hyperkit
// runtime for the macOS hypervisor.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/baker/api/v1alpha1"
)

// ErrNoBackend is returned for a machine no backend is registered for.
var ErrNoBackend = errors.New("no provider backend for machine")

// Backend is the provider contract every backend implements.
type Backend interface {
	GetState(ctx context.Context, name string) (v1alpha1.MachineState, error)
	Start(ctx context.Context, name, workDir string) error
	Delete(ctx context.Context, name string) error
	GetSSHConfig(ctx context.Context, name string) (v1alpha1.SSHConfig, error)
}

// Router dispatches by machine name. It is configured once at startup and
// is safe for concurrent use afterwards.
type Router struct {
	routes   map[string]Backend
	fallback Backend
}

// NewRouter returns a Router that sends unrouted names to fallback. A nil
// fallback makes unrouted names fail with ErrNoBackend.
func NewRouter(fallback Backend) *Router {
	return &Router{routes: map[string]Backend{}, fallback: fallback}
}

// Route sends calls for name to b.
func (r *Router) Route(name string, b Backend) *Router {
	r.routes[name] = b
	return r
}

func (r *Router) backend(name string) (Backend, error) {
	if b, ok := r.routes[name]; ok {
		return b, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoBackend, name)
}

// GetState implements Backend.
func (r *Router) GetState(ctx context.Context, name string) (v1alpha1.MachineState, error) {
	b, err := r.backend(name)
	if err != nil {
		return v1alpha1.StateUnknown, err
	}
	return b.GetState(ctx, name)
}

// Start implements Backend.
func (r *Router) Start(ctx context.Context, name, workDir string) error {
	b, err := r.backend(name)
	if err != nil {
		return err
	}
	return b.Start(ctx, name, workDir)
}

// Delete implements Backend.
func (r *Router) Delete(ctx context.Context, name string) error {
	b, err := r.backend(name)
	if err != nil {
		return err
	}
	return b.Delete(ctx, name)
}

// GetSSHConfig implements Backend.
func (r *Router) GetSSHConfig(ctx context.Context, name string) (v1alpha1.SSHConfig, error) {
	b, err := r.backend(name)
	if err != nil {
		return v1alpha1.SSHConfig{}, err
	}
	return b.GetSSHConfig(ctx, name)
}
