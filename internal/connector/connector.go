// Package connector defines the plugin interface that all work item system
// integrations implement. Each external system (Azure DevOps, ServiceDesk
// Plus, etc.) provides a driver implementing Connector; the sync engine uses
// it without knowing which system sits behind it. Optional operations return
// ErrNotSupported when the driver's capability matrix says so.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/worksync/worksync/internal/types"
)

// Connector is the uniform operation surface over one remote work item
// system. Implementations must be safe for use from a single sync execution;
// the registry hands out one instance per connector row.
type Connector interface {
	// Name returns the configured display name of this connector instance.
	Name() string

	// Kind returns the driver kind identifier (e.g. "azure-devops").
	Kind() string

	// Connect establishes and verifies the session. Called once before any
	// other remote operation.
	Connect(ctx context.Context) error

	// TestConnection performs a cheap authenticated round trip and reports
	// the outcome without failing hard.
	TestConnection(ctx context.Context) (*types.TestResult, error)

	// GetWorkItemTypes lists the work item types the remote project exposes.
	GetWorkItemTypes(ctx context.Context) ([]types.WorkItemType, error)

	// GetFields lists the field definitions of one work item type.
	GetFields(ctx context.Context, typeID string) ([]types.FieldDef, error)

	// GetStatuses lists the workflow states of one work item type.
	GetStatuses(ctx context.Context, typeID string) ([]types.StatusDef, error)

	// GetWorkItem fetches a single item by its remote identifier.
	// Returns ErrItemNotFound when the item does not exist or was deleted.
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)

	// QueryWorkItems runs a driver-interpreted filter. An empty filter means
	// the driver's default scope.
	QueryWorkItems(ctx context.Context, filter json.RawMessage) ([]types.WorkItem, error)

	// CreateWorkItem creates an item of the given type from canonical fields.
	CreateWorkItem(ctx context.Context, itemType string, fields map[string]any) (*types.WorkItem, error)

	// UpdateWorkItem applies canonical field values to an existing item.
	UpdateWorkItem(ctx context.Context, id string, fields map[string]any) (*types.WorkItem, error)

	// DeleteWorkItem removes an item.
	DeleteWorkItem(ctx context.Context, id string) error

	// GetComments lists an item's comments, oldest first.
	GetComments(ctx context.Context, id string) ([]types.Comment, error)

	// AddComment appends a comment and returns it with its remote id.
	AddComment(ctx context.Context, id, text string) (*types.Comment, error)

	// GetRelations lists an item's links to other items.
	GetRelations(ctx context.Context, id string) ([]types.Relation, error)

	// AddRelation links the item to another item in the same system.
	AddRelation(ctx context.Context, id string, rel types.Relation) error

	// GetHistory returns an item's revision trail, oldest first.
	GetHistory(ctx context.Context, id string) ([]types.Revision, error)

	// GetWorkItemURL renders the browser URL of an item.
	GetWorkItemURL(id string) string

	// TransformFieldValue adjusts a single canonical field value coming from
	// sourceKind so it is valid in this system (path re-rooting and the
	// like). Values with no system-specific shape pass through unchanged.
	TransformFieldValue(ref string, value any, sourceKind string) any

	// Capabilities reports which optional operations this driver supports.
	Capabilities() types.Capabilities

	// Close releases the session.
	Close() error
}

// ErrNotSupported is returned by optional operations the driver's
// capability matrix excludes.
var ErrNotSupported = errors.New("operation not supported by this connector")

// ErrItemNotFound is returned by item reads when the remote item does not
// exist. The engine treats it as a possible deletion, not a hard failure.
var ErrItemNotFound = errors.New("work item not found")

// Config carries everything a driver factory needs to build an instance.
// Credentials arrive already decrypted from the vault.
type Config struct {
	ID          string
	Name        string
	Kind        string
	BaseURL     string
	Endpoint    string
	AuthKind    types.AuthKind
	Credentials map[string]string
	Metadata    map[string]string
}

// Timeout returns the per-call timeout, honoring a "timeout_seconds"
// metadata override.
func (c Config) Timeout() time.Duration {
	if raw, ok := c.Metadata["timeout_seconds"]; ok {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

// Factory builds a driver from its stored configuration. It must not touch
// the network; Connect does that.
type Factory func(cfg Config) (Connector, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds a driver factory under its kind identifier. Driver packages
// call this from init().
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[kind] = factory
}

// Kinds returns all registered driver kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Registered reports whether a driver kind is known.
func Registered(kind string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// New builds a driver of the given kind. The instance is not connected yet.
func New(cfg Config) (Connector, error) {
	registryMu.RLock()
	factory := factories[cfg.Kind]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown connector kind %q (available: %v)", cfg.Kind, Kinds())
	}
	return factory(cfg)
}
