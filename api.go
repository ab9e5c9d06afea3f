package asidecache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/asidecache/codec"
	"github.com/unkn0wn-root/asidecache/config"
	gen "github.com/unkn0wn-root/asidecache/genstore"
	"github.com/unkn0wn-root/asidecache/key"
	pr "github.com/unkn0wn-root/asidecache/provider"
	"github.com/unkn0wn-root/asidecache/tracker"
)

// ChangeKind says what a write did to a resource.
type ChangeKind int

const (
	Create ChangeKind = iota + 1
	Update
	Delete
)

func (k ChangeKind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Loader reads one resource from the data store.
// It returns ErrNotFound (or an error wrapping it) when the resource does not exist.
type Loader[V any] interface {
	Load(ctx context.Context, id string) (V, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc[V any] func(ctx context.Context, id string) (V, error)

func (f LoaderFunc[V]) Load(ctx context.Context, id string) (V, error) { return f(ctx, id) }

// QueryLoader runs a list query against the data store.
type QueryLoader[V any] interface {
	LoadQuery(ctx context.Context, params key.Params) ([]V, error)
}

// QueryLoaderFunc adapts a function to QueryLoader.
type QueryLoaderFunc[V any] func(ctx context.Context, params key.Params) ([]V, error)

func (f QueryLoaderFunc[V]) LoadQuery(ctx context.Context, params key.Params) ([]V, error) {
	return f(ctx, params)
}

// CommitFunc performs the data-store side of a write.
type CommitFunc func(ctx context.Context) error

type SetCostFunc func(key string, raw []byte) int64

// Cache is the cache-aside API for one resource type.
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Get returns the resource with the given id, from cache or from the Loader.
	// Cache failures never surface here: only KeyBuildError, ErrNotFound,
	// *SourceLoadError and the caller's context error do.
	Get(ctx context.Context, id any) (V, error)

	// Query returns the result of a list query, from cache or from the QueryLoader.
	Query(ctx context.Context, params key.Params) ([]V, error)

	// NotifyWrite invalidates every cached entry depending on the resource.
	// The write path of the application must call it after each commit.
	NotifyWrite(ctx context.Context, id any, kind ChangeKind) error

	// Write runs commit and then NotifyWrite. Only commit's error is returned;
	// invalidation problems are logged and reported through Hooks.
	Write(ctx context.Context, id any, kind ChangeKind, commit CommitFunc) error

	// Invalidate is NotifyWrite with kind Update.
	Invalidate(ctx context.Context, id any) error

	// Key returns the cache key of a resource.
	Key(id any) (string, error)
}

// Options configure a Cache.
// ResourceType, Provider, Codec and Loader are required.
type Options[V any] struct {
	// Required
	ResourceType string // e.g. "user", "order"; must not contain ':' or '*'
	Provider     pr.Provider
	Codec        c.Codec[V]
	Loader       Loader[V]

	// QueryLoader enables Query. IdentityOf, when set, links each member of a
	// result to the query key, so a write to the member drops the list too.
	QueryLoader QueryLoader[V]
	IdentityOf  func(V) string

	// DependsOn names other resources a loaded value embeds. A write notified
	// for one of them (through a Cache sharing the same Tracker and GenStore)
	// drops the entry.
	DependsOn func(V) []key.Ref
	// DependsOnTypes lists every resource type DependsOn can return. It is
	// required with DependsOn: writes to these types during a load retract
	// the loaded entry. Refs of unlisted types are linked by tracker edges only.
	DependsOnTypes []string

	// Settings is the cache policy. The zero value means config.Default();
	// otherwise zero durations that must be positive fall back to the defaults.
	Settings config.Settings

	Logger         Logger           // if nil, NopLogger is used
	Hooks          Hooks            // if nil, NopHooks is used
	GenStore       gen.GenStore     // nil => LocalGenStore (in-process)
	Tracker        *tracker.Tracker // nil => private tracker; share one across types for DependsOn
	ComputeSetCost SetCostFunc      // default 1
	Disabled       bool             // bypass the cache entirely, every Get loads

	now func() time.Time // tests
}

func New[V any](opts Options[V]) (Cache[V], error) {
	cc, err := newCache[V](opts)
	if err != nil {
		return nil, err
	}
	return cc, nil
}
