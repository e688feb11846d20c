// Package blueprintstore provides versioned blueprint persistence.
//
// Every blueprint has any number of immutable published versions and at most
// one draft. Edits always land on the draft; when none exists it is copied
// from the latest published version with the patch number bumped.
package blueprintstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/flexinfer/blueprint-engine/internal/validator"
	"github.com/flexinfer/blueprint-engine/pkg/types"
)

// Common errors returned by the store.
var (
	ErrBlueprintNotFound = errors.New("blueprint not found")
	ErrBlueprintExists   = errors.New("blueprint already exists")
	ErrVersionNotFound   = errors.New("blueprint version not found")
	ErrNotPublished      = errors.New("blueprint has no published version")
	ErrNoDraft           = errors.New("blueprint has no draft")
	ErrInvalidVersion    = errors.New("invalid blueprint version")
)

// InitialVersion is assigned to a new blueprint that names none.
const InitialVersion = "0.1.0"

// Backend persists raw blueprint versions. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Save writes one version, replacing any record with the same version.
	Save(ctx context.Context, bp *types.Blueprint) error

	// Load returns one version. Returns ErrVersionNotFound if absent.
	Load(ctx context.Context, id, version string) (*types.Blueprint, error)

	// Versions lists the stored versions of a blueprint in no particular
	// order. Returns ErrBlueprintNotFound if there are none.
	Versions(ctx context.Context, id string) ([]string, error)

	// DeleteVersion removes one version.
	DeleteVersion(ctx context.Context, id, version string) error

	// Delete removes every version of a blueprint.
	Delete(ctx context.Context, id string) error

	// IDs lists all blueprint ids.
	IDs(ctx context.Context) ([]string, error)

	Close() error
}

// Validator checks a draft before it is published.
type Validator interface {
	Validate(ctx context.Context, bp *types.Blueprint) (*validator.Plan, error)
}

// VersionInfo summarises one stored version.
type VersionInfo struct {
	Version   string                `json:"version"`
	Status    types.BlueprintStatus `json:"status"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit   int
	Offset  int
	AgentID string // Filter by owning agent
}

// Store implements blueprint versioning on a Backend.
type Store struct {
	backend   Backend
	validator Validator
	logger    *slog.Logger

	// mu serialises read-modify-write sequences within this process.
	mu sync.Mutex
}

// New creates a store. A nil validator publishes without checks.
func New(backend Backend, v Validator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, validator: v, logger: logger}
}

// Create saves a new draft blueprint. The id is generated when empty.
func (s *Store) Create(ctx context.Context, bp *types.Blueprint) (*types.Blueprint, error) {
	if strings.TrimSpace(bp.Name) == "" {
		return nil, errors.New("blueprint name is required")
	}
	out, err := bp.Clone()
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Version == "" {
		out.Version = InitialVersion
	}
	if !validVersion(out.Version) {
		return nil, fmt.Errorf("%w %q", ErrInvalidVersion, out.Version)
	}
	out.Version = canonical(out.Version)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.backend.Versions(ctx, out.ID); err == nil {
		return nil, ErrBlueprintExists
	} else if !errors.Is(err, ErrBlueprintNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	out.Status = types.BlueprintStatusDraft
	out.CreatedAt = now
	out.UpdatedAt = now
	if err := s.backend.Save(ctx, out); err != nil {
		return nil, fmt.Errorf("save blueprint: %w", err)
	}
	return out, nil
}

// Get returns the head of a blueprint: its draft, or the latest published
// version when there is no draft.
func (s *Store) Get(ctx context.Context, id string) (*types.Blueprint, error) {
	versions, err := s.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft := versions.draft(); draft != nil {
		return draft, nil
	}
	return versions.latest(), nil
}

// GetVersion returns one version.
func (s *Store) GetVersion(ctx context.Context, id, version string) (*types.Blueprint, error) {
	bp, err := s.backend.Load(ctx, id, canonical(version))
	if err != nil {
		return nil, err
	}
	return bp, nil
}

// GetPublished returns the latest published version.
func (s *Store) GetPublished(ctx context.Context, id string) (*types.Blueprint, error) {
	versions, err := s.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	if bp := versions.latestPublished(); bp != nil {
		return bp, nil
	}
	return nil, ErrNotPublished
}

// ListVersions lists every version, oldest first.
func (s *Store) ListVersions(ctx context.Context, id string) ([]VersionInfo, error) {
	versions, err := s.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, len(versions))
	for i, bp := range versions {
		out[i] = VersionInfo{Version: bp.Version, Status: bp.Status, UpdatedAt: bp.UpdatedAt}
	}
	return out, nil
}

// List returns the head of every blueprint, ordered by name.
func (s *Store) List(ctx context.Context, opts *ListOptions) ([]*types.Blueprint, error) {
	if opts == nil {
		opts = &ListOptions{}
	}
	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blueprint ids: %w", err)
	}

	var out []*types.Blueprint
	for _, id := range ids {
		bp, err := s.Get(ctx, id)
		if errors.Is(err, ErrBlueprintNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.AgentID != "" && bp.AgentID != opts.AgentID {
			continue
		}
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*types.Blueprint{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// UpdateDraft replaces the draft content with bp. The id and creation time
// are kept. bp.Version may raise the draft version; otherwise the draft keeps
// its own, which for a fresh draft is the latest published patch bumped. A
// bp.Version naming an already published version is ignored, so a fetched
// blueprint can be edited and sent back as is.
func (s *Store) UpdateDraft(ctx context.Context, id string, bp *types.Blueprint) (*types.Blueprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	draft := versions.draft()
	latest := versions.latestPublished()

	next, err := bp.Clone()
	if err != nil {
		return nil, err
	}
	next.ID = id
	next.Status = types.BlueprintStatusDraft
	next.CreatedAt = versions[0].CreatedAt
	next.UpdatedAt = time.Now().UTC()

	switch {
	case next.Version != "" && canonical(next.Version) != draftVersion(draft) && !versions.published(canonical(next.Version)):
		if !validVersion(next.Version) {
			return nil, fmt.Errorf("%w %q", ErrInvalidVersion, next.Version)
		}
		next.Version = canonical(next.Version)
		if latest != nil && semver.Compare(v(next.Version), v(latest.Version)) <= 0 {
			return nil, fmt.Errorf("%w: %s is not newer than published %s", ErrInvalidVersion, next.Version, latest.Version)
		}
	case draft != nil:
		next.Version = draft.Version
	default:
		next.Version = bumpPatch(latest.Version)
	}

	if err := s.backend.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	if draft != nil && draft.Version != next.Version {
		if err := s.backend.DeleteVersion(ctx, id, draft.Version); err != nil {
			return nil, fmt.Errorf("drop old draft: %w", err)
		}
	}
	return next, nil
}

// Publish validates the draft and freezes it as a published version. The
// patch number is bumped if the draft's version was already published.
func (s *Store) Publish(ctx context.Context, id string) (*types.Blueprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.versions(ctx, id)
	if err != nil {
		return nil, err
	}
	draft := versions.draft()
	if draft == nil {
		return nil, ErrNoDraft
	}

	if s.validator != nil {
		if _, err := s.validator.Validate(ctx, draft); err != nil {
			return nil, err
		}
	}

	oldVersion := draft.Version
	for versions.published(draft.Version) {
		draft.Version = bumpPatch(draft.Version)
	}
	draft.Status = types.BlueprintStatusPublished
	draft.UpdatedAt = time.Now().UTC()
	if err := s.backend.Save(ctx, draft); err != nil {
		return nil, fmt.Errorf("save published version: %w", err)
	}
	if oldVersion != draft.Version {
		if err := s.backend.DeleteVersion(ctx, id, oldVersion); err != nil {
			return nil, fmt.Errorf("drop draft: %w", err)
		}
	}
	s.logger.Info("blueprint published", "blueprint_id", id, "version", draft.Version)
	return draft, nil
}

// Delete removes a blueprint and all of its versions.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.backend.Versions(ctx, id); err != nil {
		return err
	}
	return s.backend.Delete(ctx, id)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// versionList is every version of one blueprint, sorted by semver.
type versionList []*types.Blueprint

func (s *Store) versions(ctx context.Context, id string) (versionList, error) {
	names, err := s.backend.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(versionList, 0, len(names))
	for _, name := range names {
		bp, err := s.backend.Load(ctx, id, name)
		if errors.Is(err, ErrVersionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	if len(out) == 0 {
		return nil, ErrBlueprintNotFound
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare(v(out[i].Version), v(out[j].Version)) < 0
	})
	return out, nil
}

func (l versionList) draft() *types.Blueprint {
	for _, bp := range l {
		if bp.Status != types.BlueprintStatusPublished {
			return bp
		}
	}
	return nil
}

func (l versionList) latest() *types.Blueprint {
	return l[len(l)-1]
}

func (l versionList) latestPublished() *types.Blueprint {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Status == types.BlueprintStatusPublished {
			return l[i]
		}
	}
	return nil
}

func (l versionList) published(version string) bool {
	for _, bp := range l {
		if bp.Version == version && bp.Status == types.BlueprintStatusPublished {
			return true
		}
	}
	return false
}

func draftVersion(bp *types.Blueprint) string {
	if bp == nil {
		return ""
	}
	return bp.Version
}

// v adds the "v" prefix x/mod/semver expects.
func v(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

func canonical(version string) string {
	return strings.TrimPrefix(version, "v")
}

func validVersion(version string) bool {
	// semver.IsValid accepts shorthands like "v1"; blueprints need all three parts.
	return semver.IsValid(v(version)) && strings.Count(strings.SplitN(canonical(version), "-", 2)[0], ".") == 2
}

// bumpPatch returns version with the patch number incremented and any
// prerelease suffix dropped.
func bumpPatch(version string) string {
	var major, minor, patch int
	core := strings.SplitN(strings.TrimPrefix(semver.Canonical(v(version)), "v"), "-", 2)[0]
	if _, err := fmt.Sscanf(core, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return InitialVersion
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}
