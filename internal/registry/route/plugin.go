package route

import (
	"sort"
	"sync"

	"github.com/chirino/thread-sync/internal/refstore"
	"github.com/gin-gonic/gin"
)

// Env carries what route plugins need once the server has been initialized.
type Env struct {
	Store *refstore.Store
	// Auth guards the API routes. Management routes are never authenticated.
	Auth gin.HandlerFunc
}

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine, env Env) error

// RouteType distinguishes which routes a plugin contributes.
type RouteType int

const (
	// RouteTypeMain registers API routes.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers health and metrics routes.
	RouteTypeManagement
)

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func sorted(t RouteType) []Plugin {
	mu.Lock()
	defer mu.Unlock()
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Mount runs the management loaders and then the main loaders against r.
func Mount(r *gin.Engine, env Env) error {
	for _, t := range []RouteType{RouteTypeManagement, RouteTypeMain} {
		for _, p := range sorted(t) {
			if err := p.Loader(r, env); err != nil {
				return err
			}
		}
	}
	return nil
}

// Names returns the registered plugin names in mount order.
func Names() []string {
	var names []string
	for _, t := range []RouteType{RouteTypeManagement, RouteTypeMain} {
		for _, p := range sorted(t) {
			names = append(names, p.Name)
		}
	}
	return names
}
