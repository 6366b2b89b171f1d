package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/events"
	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

var (
	ErrInvalidTool     = errors.New("invalid tool declaration")
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolkitNotFound = errors.New("toolkit not found")
)

// Preferences persists standing tool permissions across sessions
type Preferences interface {
	Permission(tool string) (Permission, bool)
	SetPermission(tool string, p Permission) error
}

// PermissionChange is published whenever a tool's permission changes
type PermissionChange struct {
	Tool string     `json:"tool"`
	Old  Permission `json:"old"`
	New  Permission `json:"new"`
}

// ToolkitChange is published when a toolkit is enabled or disabled
type ToolkitChange struct {
	Toolkit string `json:"toolkit"`
	Enabled bool   `json:"enabled"`
}

// Registry owns toolkit and tool definitions and their permission state
type Registry struct {
	mu       sync.RWMutex
	toolkits []*Toolkit
	byKit    map[string]*Toolkit
	tools    map[string]*Tool

	prefs       Preferences
	permissions *events.Broker[PermissionChange]
	toggles     *events.Broker[ToolkitChange]
	logger      *log.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithPreferences applies and records stored permissions
func WithPreferences(p Preferences) RegistryOption {
	return func(r *Registry) { r.prefs = p }
}

// WithLogger sets the registry logger
func WithLogger(l *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byKit:       make(map[string]*Toolkit),
		tools:       make(map[string]*Tool),
		permissions: events.NewBroker[PermissionChange](),
		toggles:     events.NewBroker[ToolkitChange](),
		logger:      log.WithPrefix("tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register builds tool definitions for each toolkit. Registering a toolkit
// that is already present rebuilds its definitions but keeps its enabled flag
// and the permissions of tools that survive.
func (r *Registry) Register(specs ...ToolkitSpec) error {
	built := make([]*Toolkit, 0, len(specs))
	for _, spec := range specs {
		kit, err := buildToolkit(spec)
		if err != nil {
			return err
		}
		built = append(built, kit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCollisions(built); err != nil {
		return err
	}
	for _, kit := range built {
		previous := make(map[string]Permission)
		if old, ok := r.byKit[kit.name]; ok {
			kit.enabled.Store(old.Enabled())
			for _, t := range old.tools {
				previous[t.name] = t.Permission()
				delete(r.tools, t.name)
			}
			for i, cur := range r.toolkits {
				if cur == old {
					r.toolkits[i] = kit
				}
			}
		} else {
			r.toolkits = append(r.toolkits, kit)
		}
		r.byKit[kit.name] = kit

		for _, t := range kit.tools {
			r.tools[t.name] = t
			r.applyInitialPermission(t, previous)
		}
		r.logger.Debug("Registered toolkit", "toolkit", kit.name, "tools", len(kit.tools))
	}
	return nil
}

// checkCollisions rejects toolkits whose tool names clash with each other or
// with tools of toolkits they do not replace. Called with r.mu held.
func (r *Registry) checkCollisions(built []*Toolkit) error {
	replaced := make(map[string]bool, len(built))
	for _, kit := range built {
		if replaced[kit.name] {
			return fmt.Errorf("%w: duplicate toolkit %q", ErrInvalidTool, kit.name)
		}
		replaced[kit.name] = true
	}
	seen := make(map[string]bool)
	for _, kit := range built {
		for _, t := range kit.tools {
			if seen[t.name] {
				return fmt.Errorf("%w: duplicate tool name %q", ErrInvalidTool, t.name)
			}
			seen[t.name] = true
			if cur, ok := r.tools[t.name]; ok && !replaced[cur.toolkit.name] {
				return fmt.Errorf("%w: tool %q already registered by toolkit %q", ErrInvalidTool, t.name, cur.toolkit.name)
			}
		}
	}
	return nil
}

// applyInitialPermission carries the previous permission of a re-registered
// tool, then a stored preference, then the declaration default.
func (r *Registry) applyInitialPermission(t *Tool, previous map[string]Permission) {
	if prev, ok := previous[t.name]; ok {
		t.setPermission(prev)
		return
	}
	if r.prefs != nil {
		if p, ok := r.prefs.Permission(t.name); ok {
			t.setPermission(p)
			return
		}
	}
	if t.autoApprove {
		t.setPermission(PermissionApproveAlways)
	} else {
		t.setPermission(PermissionApprove)
	}
}

func buildToolkit(spec ToolkitSpec) (*Toolkit, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: toolkit without a name", ErrInvalidTool)
	}
	kit := &Toolkit{
		name:        spec.Name,
		description: spec.Description,
		turnsToKeep: spec.TurnsToKeep,
	}
	kit.enabled.Store(true)

	seen := make(map[string]bool)
	for _, ts := range spec.Tools {
		t, err := buildTool(kit, ts)
		if err != nil {
			return nil, err
		}
		if seen[t.name] {
			return nil, fmt.Errorf("%w: duplicate tool name %q", ErrInvalidTool, t.name)
		}
		seen[t.name] = true
		kit.tools = append(kit.tools, t)
	}
	return kit, nil
}

func buildTool(kit *Toolkit, spec ToolSpec) (*Tool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: tool without a name in toolkit %q", ErrInvalidTool, kit.name)
	}
	name := qualify(kit.name, spec.Name)
	if spec.Execute == nil {
		return nil, fmt.Errorf("%w: tool %q has no executor", ErrInvalidTool, name)
	}

	paramsSchema, params, err := ParametersSchema(spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: %v", ErrInvalidTool, name, err)
	}
	respSchema, err := ResponseSchema(spec.Returns)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q return schema: %v", ErrInvalidTool, name, err)
	}

	return &Tool{
		name:             name,
		description:      spec.Description,
		params:           params,
		returns:          spec.Returns,
		parametersSchema: paramsSchema,
		responseSchema:   respSchema,
		signature:        buildSignature(name, params, spec.Returns),
		turnsToKeep:      spec.TurnsToKeep,
		autoApprove:      spec.AutoApprove,
		execute:          spec.Execute,
		toolkit:          kit,
	}, nil
}

// Toolkits returns the registered toolkits in registration order
func (r *Registry) Toolkits() []*Toolkit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Toolkit, len(r.toolkits))
	copy(out, r.toolkits)
	return out
}

// Toolkit returns a toolkit by name
func (r *Registry) Toolkit(name string) (*Toolkit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byKit[name]
	return k, ok
}

// Get returns a registered tool by qualified name
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every registered tool in registration order
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, k := range r.toolkits {
		out = append(out, k.tools...)
	}
	return out
}

// EnabledTools returns the tools offered to the model: toolkit enabled and
// permission other than DenyNever.
func (r *Registry) EnabledTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tool
	for _, k := range r.toolkits {
		if !k.Enabled() {
			continue
		}
		for _, t := range k.tools {
			if t.Permission() != PermissionDenyNever {
				out = append(out, t)
			}
		}
	}
	return out
}

// Declarations returns the provider form of EnabledTools
func (r *Registry) Declarations() []llm.ToolDeclaration {
	enabled := r.EnabledTools()
	out := make([]llm.ToolDeclaration, 0, len(enabled))
	for _, t := range enabled {
		out = append(out, t.Declaration())
	}
	return out
}

// Lookup returns the named tool, or a BadTool placeholder when it is unknown
func (r *Registry) Lookup(name string) *Tool {
	if t, ok := r.Get(name); ok {
		return t
	}
	return NewBadTool(name)
}

// SetToolkitEnabled shows or hides all tools of a toolkit
func (r *Registry) SetToolkitEnabled(name string, enabled bool) error {
	k, ok := r.Toolkit(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolkitNotFound, name)
	}
	if k.enabled.Swap(enabled) != enabled {
		r.toggles.Publish(events.ToolkitToggled, ToolkitChange{Toolkit: name, Enabled: enabled})
	}
	return nil
}

// SetPermission changes a tool's standing permission and records it as a preference
func (r *Registry) SetPermission(name string, p Permission) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	old := t.setPermission(p)
	if old == p {
		return nil
	}

	r.logger.Info("Tool permission changed", "tool", name, "from", old, "to", p)
	r.permissions.Publish(events.PermissionChanged, PermissionChange{Tool: name, Old: old, New: p})

	if r.prefs != nil {
		if err := r.prefs.SetPermission(name, p); err != nil {
			return fmt.Errorf("failed to store permission for %s: %w", name, err)
		}
	}
	return nil
}

// SubscribePermissions streams permission changes until ctx is done
func (r *Registry) SubscribePermissions(ctx context.Context) <-chan events.Event[PermissionChange] {
	return r.permissions.Subscribe(ctx)
}

// SubscribeToolkits streams toolkit enable/disable changes until ctx is done
func (r *Registry) SubscribeToolkits(ctx context.Context) <-chan events.Event[ToolkitChange] {
	return r.toggles.Subscribe(ctx)
}
