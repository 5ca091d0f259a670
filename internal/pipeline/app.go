package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"conveyor/internal/cluster"
	"conveyor/internal/dispatch"
	"conveyor/internal/transform"
)

// App is what a particular application plugs into the generic pipeline: how
// records cluster, what happens to each cluster and where it goes.
type App struct {
	// State seeds the shared store, as "Key|Value" specs.
	State     []string
	Cluster   cluster.Config
	Transform transform.Func
	Router    dispatch.RouterFunc
	// Lanes names the output lanes the router chooses between, in index
	// order. The pipeline file must declare the same number of lanes.
	Lanes []string
	// Summary renders a one-line report of a finished run. Optional.
	Summary func(Result) string
}

type AppFactory func() App

var (
	appsMu sync.RWMutex
	apps   = map[string]AppFactory{}
)

// RegisterApp makes an application available to Compile under name. It is
// meant to be called from init.
func RegisterApp(name string, f AppFactory) {
	appsMu.Lock()
	defer appsMu.Unlock()
	apps[name] = f
}

func lookupApp(name string) (App, error) {
	appsMu.RLock()
	defer appsMu.RUnlock()
	f, ok := apps[name]
	if !ok {
		names := make([]string, 0, len(apps))
		for n := range apps {
			names = append(names, n)
		}
		sort.Strings(names)
		return App{}, fmt.Errorf("unknown app %q (have %v)", name, names)
	}
	return f(), nil
}
