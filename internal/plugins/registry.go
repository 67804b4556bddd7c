// Package plugins implements the Plugin Registry component: discovery,
// enable/disable per user, schema selection for the LLM, and validated
// invocation. Handlers are an explicit registry of tagged Go functions, not
// runtime-loaded modules — there is no reflection on the invocation path,
// per the design note that re-architects the reference gateway's dynamic
// plugin loading into a typed, compiled-in registry.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tymektm/asystent-server/internal/apperrors"
	"github.com/tymektm/asystent-server/pkg/models"
)

// Handler is a tagged plugin function: reentrant, and pure with respect to
// system state except for calls back into the memory store.
type Handler func(ctx context.Context, userID, sessionID string, args json.RawMessage) (models.ToolResult, error)

// plugin bundles a descriptor with its compiled schemas and handler.
type plugin struct {
	descriptor models.PluginDescriptor
	schemas    map[string]*jsonschema.Schema // function name -> compiled schema
	handler    Handler
}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// Registry holds the compiled-in plugin set and per-user enablement.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*plugin          // by plugin name
	byFunc  map[string]string           // function name -> plugin name (global uniqueness)
	enabled map[string]map[string]bool  // user_id -> plugin name -> enabled (copy-on-write)

	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry constructs an empty registry. invokeTimeout is the default
// handler deadline (spec default 3s).
func NewRegistry(invokeTimeout time.Duration, logger *slog.Logger) *Registry {
	if invokeTimeout <= 0 {
		invokeTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[string]*plugin),
		byFunc:  make(map[string]string),
		enabled: make(map[string]map[string]bool),
		timeout: invokeTimeout,
		logger:  logger,
	}
}

// Register compiles a plugin's schemas and adds it to the registry. It
// enforces the name regex and global function-name uniqueness; a second
// registration of an existing function name fails with DuplicateFunction.
func (r *Registry) Register(desc models.PluginDescriptor, handler Handler) error {
	if !nameRE.MatchString(desc.Name) {
		return fmt.Errorf("%w: plugin name %q", apperrors.ErrPluginLoadFailure, desc.Name)
	}

	compiled := make(map[string]*jsonschema.Schema, len(desc.FunctionSchemas))
	compiler := jsonschema.NewCompiler()
	for _, fn := range desc.FunctionSchemas {
		if len(fn.Parameters) == 0 {
			continue
		}
		resourceName := desc.Name + "." + fn.Name + ".json"
		if err := compiler.AddResource(resourceName, bytesReader(fn.Parameters)); err != nil {
			return fmt.Errorf("%w: compile schema for %s: %v", apperrors.ErrPluginLoadFailure, fn.Name, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("%w: compile schema for %s: %v", apperrors.ErrPluginLoadFailure, fn.Name, err)
		}
		compiled[fn.Name] = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fn := range desc.FunctionSchemas {
		if owner, exists := r.byFunc[fn.Name]; exists && owner != desc.Name {
			return apperrors.ErrDuplicateFunction
		}
	}
	r.plugins[desc.Name] = &plugin{descriptor: desc, schemas: compiled, handler: handler}
	for _, fn := range desc.FunctionSchemas {
		r.byFunc[fn.Name] = desc.Name
	}
	return nil
}

// Discover returns the descriptors of every registered plugin.
func (r *Registry) Discover() []models.PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PluginDescriptor, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.descriptor)
	}
	return out
}

// Enable turns a plugin on for userID. Idempotent: calling it twice leaves
// SchemasFor(userID) identical to calling it once.
func (r *Registry) Enable(userID, pluginName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[pluginName]; !ok {
		return fmt.Errorf("unknown plugin %q", pluginName)
	}
	r.copyOnWriteEnable(userID, pluginName, true)
	return nil
}

// Disable turns a plugin off for userID.
func (r *Registry) Disable(userID, pluginName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copyOnWriteEnable(userID, pluginName, false)
	return nil
}

// copyOnWriteEnable must be called with r.mu held for writing.
func (r *Registry) copyOnWriteEnable(userID, pluginName string, enabled bool) {
	old := r.enabled[userID]
	fresh := make(map[string]bool, len(old)+1)
	for k, v := range old {
		fresh[k] = v
	}
	fresh[pluginName] = enabled
	r.enabled[userID] = fresh
}

// IsEnabled reports whether pluginName is enabled for userID.
func (r *Registry) IsEnabled(userID, pluginName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[userID][pluginName]
}

// SchemasFor returns the function schemas offered to the LLM for userID,
// filtered by (user tier, plugin tier_required) even before the client can
// attempt to invoke a premium plugin by name.
func (r *Registry) SchemasFor(userID string, tier models.Tier) []models.FunctionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled := r.enabled[userID]
	var out []models.FunctionSchema
	for name, p := range r.plugins {
		if !enabled[name] {
			continue
		}
		if !tierSatisfies(tier, p.descriptor.TierRequired) {
			continue
		}
		out = append(out, p.descriptor.FunctionSchemas...)
	}
	return out
}

func tierSatisfies(userTier, required models.Tier) bool {
	if required == "" || required == models.TierFree {
		return true
	}
	return userTier == models.TierPaid
}

// Invoke validates arguments against the function's schema, then runs the
// handler with a deadline, converting panics and timeouts into the spec's
// typed errors rather than crashing the dispatcher.
func (r *Registry) Invoke(ctx context.Context, userID, sessionID, functionName string, args json.RawMessage, userTier models.Tier) (models.ToolResult, error) {
	r.mu.RLock()
	pluginName, ok := r.byFunc[functionName]
	if !ok {
		r.mu.RUnlock()
		return models.ToolResult{}, fmt.Errorf("%w: unknown function %s", apperrors.ErrInvalidToolArgs, functionName)
	}
	p := r.plugins[pluginName]
	enabled := r.enabled[userID][pluginName]
	r.mu.RUnlock()

	if !enabled || !tierSatisfies(userTier, p.descriptor.TierRequired) {
		return models.ToolResult{}, fmt.Errorf("%w: %s not enabled for user", apperrors.ErrInvalidToolArgs, pluginName)
	}

	schema := p.schemas[functionName]
	if schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return models.ToolResult{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidToolArgs, err)
		}
		if err := schema.Validate(decoded); err != nil {
			return models.ToolResult{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidToolArgs, err)
		}
	}

	return r.runWithDeadline(ctx, p, userID, sessionID, functionName, args)
}

func (r *Registry) runWithDeadline(ctx context.Context, p *plugin, userID, sessionID, functionName string, args json.RawMessage) (result models.ToolResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result models.ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("plugin handler panicked", "plugin", p.descriptor.Name, "function", functionName,
					"panic", rec, "stack", string(debug.Stack()))
				done <- outcome{err: &apperrors.ToolFailed{Plugin: p.descriptor.Name, Name: functionName, Message: fmt.Sprintf("panic: %v", rec)}}
				return
			}
		}()
		res, handlerErr := p.handler(ctx, userID, sessionID, args)
		if handlerErr != nil {
			done <- outcome{err: &apperrors.ToolFailed{Plugin: p.descriptor.Name, Name: functionName, Message: handlerErr.Error()}}
			return
		}
		done <- outcome{result: res}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return models.ToolResult{}, fmt.Errorf("%w: %s.%s", apperrors.ErrToolTimeout, p.descriptor.Name, functionName)
	}
}

func bytesReader(b []byte) *jsonRawReader { return &jsonRawReader{data: b} }
