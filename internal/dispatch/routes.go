package dispatch

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/finalize"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
)

// Route says where requests of one kind go, how long they live and which
// asset types they may ask for.
type Route struct {
	Kind      envelope.Kind
	StreamKey string
	TTL       time.Duration
	Types     []models.Type
}

// Allows reports whether t may be requested on this route.
func (r Route) Allows(t models.Type) bool {
	return slices.Contains(r.Types, t)
}

// DefaultRoutes returns the built-in routing table.
func DefaultRoutes() []Route {
	return []Route{
		{Kind: envelope.KindEvent, StreamKey: streams.StreamEventRequests, TTL: 10 * time.Minute, Types: []models.Type{models.TypeImage, models.TypeShorts}},
		{Kind: envelope.KindMenuPoster, StreamKey: streams.StreamMenuPosterRequests, TTL: 10 * time.Minute, Types: []models.Type{models.TypeImage}},
		{Kind: envelope.KindReview, StreamKey: streams.StreamReviewRequests, TTL: 15 * time.Minute, Types: []models.Type{models.TypeShorts}},
	}
}

// Registry holds routes in memory, indexed by kind.
type Registry struct {
	routes map[envelope.Kind]Route
}

// NewRegistry creates a new empty route registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[envelope.Kind]Route)}
}

// Register adds a route.
// Returns an error if the kind is unknown or already registered.
func (r *Registry) Register(route Route) error {
	if !route.Kind.Valid() {
		return fmt.Errorf("unknown stream kind: %s", route.Kind)
	}
	if _, exists := r.routes[route.Kind]; exists {
		return fmt.Errorf("route already registered: %s", route.Kind)
	}
	if route.StreamKey == "" {
		return fmt.Errorf("route %s: stream key is required", route.Kind)
	}
	if route.TTL <= 0 {
		return fmt.Errorf("route %s: ttl must be positive", route.Kind)
	}
	if len(route.Types) == 0 {
		return fmt.Errorf("route %s: at least one asset type is required", route.Kind)
	}
	r.routes[route.Kind] = route
	return nil
}

// Get retrieves a route by kind.
func (r *Registry) Get(kind envelope.Kind) (Route, bool) {
	route, ok := r.routes[kind]
	return route, ok
}

// List returns all registered routes sorted by kind
// for deterministic ordering.
func (r *Registry) List() []Route {
	routes := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Kind < routes[j].Kind
	})
	return routes
}

// StreamKeys lists the request streams of every route.
func (r *Registry) StreamKeys() []string {
	keys := make([]string, 0, len(r.routes))
	for _, route := range r.List() {
		keys = append(keys, route.StreamKey)
	}
	return keys
}

// Targets derives the finalize targets from the allowed asset types.
func (r *Registry) Targets() map[envelope.Kind]finalize.Target {
	targets := make(map[envelope.Kind]finalize.Target, len(r.routes))
	for kind, route := range r.routes {
		targets[kind] = finalize.Target{Kind: kind, Types: route.Types}
	}
	return targets
}

// routeFile is the YAML shape of a routes override file.
type routeFile struct {
	Routes []struct {
		Kind   string   `yaml:"kind"`
		Stream string   `yaml:"stream"`
		TTL    string   `yaml:"ttl"`
		Types  []string `yaml:"types"`
	} `yaml:"routes"`
}

// LoadRegistry builds a registry from the defaults, overridden per kind by
// the YAML file at path. An empty path yields the defaults.
// Unknown YAML fields are rejected to catch typos.
func LoadRegistry(path string) (*Registry, error) {
	byKind := make(map[envelope.Kind]Route)
	for _, route := range DefaultRoutes() {
		byKind[route.Kind] = route
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read routes file: %w", err)
		}

		var file routeFile
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to parse routes file: %w", err)
		}

		for _, entry := range file.Routes {
			kind := envelope.Kind(entry.Kind)
			route, ok := byKind[kind]
			if !ok {
				return nil, fmt.Errorf("routes file: unknown kind %q", entry.Kind)
			}
			if entry.Stream != "" {
				route.StreamKey = entry.Stream
			}
			if entry.TTL != "" {
				ttl, err := time.ParseDuration(entry.TTL)
				if err != nil {
					return nil, fmt.Errorf("routes file: kind %s: invalid ttl: %w", kind, err)
				}
				route.TTL = ttl
			}
			if len(entry.Types) > 0 {
				route.Types = route.Types[:0:0]
				for _, s := range entry.Types {
					t, ok := models.ParseType(s)
					if !ok {
						return nil, fmt.Errorf("routes file: kind %s: unknown asset type %q", kind, s)
					}
					route.Types = append(route.Types, t)
				}
			}
			byKind[kind] = route
		}
	}

	registry := NewRegistry()
	for _, route := range byKind {
		if err := registry.Register(route); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
