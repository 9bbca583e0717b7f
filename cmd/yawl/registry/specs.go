package registry

import (
	"context"
	"sort"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/spec"
)

// SpecInfo describes one loaded specification for listings.
type SpecInfo struct {
	Identifier string    `json:"identifier"`
	Version    string    `json:"version"`
	URI        string    `json:"uri,omitempty"`
	RootNet    string    `json:"root_net"`
	Nets       int       `json:"nets"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// LoadSpecification parses, validates, and admits a specification. One
// live version per identifier; loading a second version requires
// unloading the first.
func (r *Registry) LoadSpecification(ctx context.Context, source []byte) (spec.ID, error) {
	if r.degraded.Load() {
		return spec.ID{}, r.readOnlyErr()
	}

	s, diags, err := spec.XMLParser{}.Parse(source)
	if err != nil {
		return spec.ID{}, faults.Wrap(faults.KindValidation, err, "specification is not parseable")
	}
	if spec.HasFatal(diags) {
		return spec.ID{}, faults.New(faults.KindValidation, "specification failed validation").
			WithDiagnostics(diagnosticStrings(diags))
	}
	for _, d := range diags {
		r.logg.Warn("specification warning", "spec_id", s.ID.Key(), "element", d.Element, "message", d.Message)
	}

	key := s.ID.Key()
	entry := &specEntry{spec: s, loadedAt: time.Now().UTC()}
	r.mu.Lock()
	if _, dup := r.specs[key]; dup {
		r.mu.Unlock()
		return spec.ID{}, faults.Errorf(faults.KindConflict, "specification %s is already loaded", key)
	}
	r.specs[key] = entry
	r.mu.Unlock()

	e := eventlog.New(eventlog.TypeSpecLoaded, "", key, map[string]any{
		"identifier": s.ID.Identifier,
		"version":    s.ID.Version,
		"uri":        s.ID.URI,
		"source":     string(s.Source),
	})
	if err := r.emit(ctx, e); err != nil {
		r.mu.Lock()
		delete(r.specs, key)
		r.mu.Unlock()
		return spec.ID{}, err
	}

	r.logg.Info("specification loaded", "spec_id", key, "version", s.ID.Version, "nets", len(s.Nets))
	return s.ID, nil
}

// UnloadSpecification removes a specification. Rejected while any of
// its cases is still active; retired cases do not block an unload.
func (r *Registry) UnloadSpecification(ctx context.Context, key string) error {
	if r.degraded.Load() {
		return r.readOnlyErr()
	}

	r.mu.Lock()
	entry, ok := r.specs[key]
	if !ok {
		r.mu.Unlock()
		return faults.Errorf(faults.KindNotFound, "specification %s is not loaded", key)
	}
	for id, ce := range r.cases {
		if ce.exec.SpecKey() == key && ce.retired.IsZero() {
			r.mu.Unlock()
			return faults.Errorf(faults.KindConflict, "specification %s has active cases (%s)", key, id)
		}
	}
	delete(r.specs, key)
	r.mu.Unlock()

	e := eventlog.New(eventlog.TypeSpecUnloaded, "", key, map[string]any{
		"identifier": entry.spec.ID.Identifier,
		"version":    entry.spec.ID.Version,
	})
	if err := r.emit(ctx, e); err != nil {
		r.mu.Lock()
		r.specs[key] = entry
		r.mu.Unlock()
		return err
	}

	r.logg.Info("specification unloaded", "spec_id", key)
	return nil
}

// Specifications lists loaded specs sorted by key.
func (r *Registry) Specifications() []SpecInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SpecInfo, 0, len(r.specs))
	for _, entry := range r.specs {
		out = append(out, SpecInfo{
			Identifier: entry.spec.ID.Identifier,
			Version:    entry.spec.ID.Version,
			URI:        entry.spec.ID.URI,
			RootNet:    entry.spec.RootNet,
			Nets:       len(entry.spec.Nets),
			LoadedAt:   entry.loadedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identifier != out[j].Identifier {
			return out[i].Identifier < out[j].Identifier
		}
		return out[i].URI < out[j].URI
	})
	return out
}

func (r *Registry) specByKey(key string) (*spec.Specification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.specs[key]
	if !ok {
		return nil, faults.Errorf(faults.KindConflict, "specification %s is not loaded", key)
	}
	return entry.spec, nil
}

func diagnosticStrings(diags []spec.Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.String())
	}
	return out
}
