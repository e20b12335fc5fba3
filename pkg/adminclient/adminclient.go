// Package adminclient declares the admin-side collaborators the
// scheduler dispatches unload decisions through, plus an in-memory fake
// used by tests and by loadshedctl serve, which has no real admin transport.
package adminclient

import (
	"context"
	"fmt"
	"sync"
)

// AdminError is returned when the admin interface itself rejects a
// request (bad namespace, bundle not found, etc.) as opposed to a
// transport failure.
type AdminError struct {
	Namespace string
	Range     string
	Reason    string
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("adminclient: admin rejected unload of %s/%s: %s", e.Namespace, e.Range, e.Reason)
}

// ServerError wraps a transport/RPC-level failure talking to the broker
// that owns the bundle.
type ServerError struct {
	Namespace string
	Range     string
	Cause     error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("adminclient: server error unloading %s/%s: %v", e.Namespace, e.Range, e.Cause)
}

func (e *ServerError) Unwrap() error { return e.Cause }

// AdminClient issues unload commands against the cluster's admin
// surface, per spec §6.
type AdminClient interface {
	UnloadNamespaceBundle(ctx context.Context, namespace, bundleRange string) error
}

// NamespaceService answers how many bundles a namespace currently owns,
// for the split strategy's per-namespace cap (spec §4.4).
type NamespaceService interface {
	BundleCount(ctx context.Context, namespace string) (int, error)
}

// Fake is an in-memory AdminClient + NamespaceService used by tests and
// by loadshedctl serve. It never fails unless pre-seeded to.
type Fake struct {
	mu sync.Mutex

	Unloaded      []string // namespace/range pairs joined as "ns/range"
	FailNamespace map[string]error // namespace -> error to return instead of succeeding
	Counts        map[string]int
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		FailNamespace: make(map[string]error),
		Counts:        make(map[string]int),
	}
}

func (f *Fake) UnloadNamespaceBundle(ctx context.Context, namespace, bundleRange string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailNamespace[namespace]; ok {
		return err
	}
	f.Unloaded = append(f.Unloaded, namespace+"/"+bundleRange)
	return nil
}

func (f *Fake) BundleCount(ctx context.Context, namespace string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Counts[namespace], nil
}
