package nn

import "sort"

// Initializer names accepted in a filler's init_type.
const (
	FillerZero     = "zero"
	FillerConstant = "constant"
	FillerUniform  = "uniform"
	FillerGaussian = "gaussian"
	FillerXavier   = "xavier"
)

// Optimizer names accepted in an updater's updater_type.
const (
	UpdaterSGD     = "sgd"
	UpdaterAdamW   = "adamw"
	UpdaterRMSprop = "rmsprop"
)

// RegistryEntry describes one named component and the config keys it reads.
type RegistryEntry struct {
	Name string
	Kind string // "filler" or "updater"
	Keys []string
}

// componentRegistry is the global registry of named fillers and updaters
var componentRegistry = map[string]RegistryEntry{
	FillerZero:     {Name: FillerZero, Kind: "filler"},
	FillerConstant: {Name: FillerConstant, Kind: "filler", Keys: []string{"value"}},
	FillerUniform:  {Name: FillerUniform, Kind: "filler", Keys: []string{"range"}},
	FillerGaussian: {Name: FillerGaussian, Kind: "filler", Keys: []string{"mean", "std"}},
	FillerXavier:   {Name: FillerXavier, Kind: "filler"},

	UpdaterSGD:     {Name: UpdaterSGD, Kind: "updater", Keys: []string{"lr", "momentum", "dampening", "nesterov", "decay", "grad_cut_off"}},
	UpdaterAdamW:   {Name: UpdaterAdamW, Kind: "updater", Keys: []string{"lr", "beta1", "beta2", "eps", "decay", "grad_cut_off"}},
	UpdaterRMSprop: {Name: UpdaterRMSprop, Kind: "updater", Keys: []string{"lr", "alpha", "eps", "momentum", "grad_cut_off"}},
}

// GetComponent returns a registry entry by name
func GetComponent(name string) (RegistryEntry, bool) {
	e, ok := componentRegistry[name]
	return e, ok
}

// ListComponents returns all entries of the given kind sorted by name.
// An empty kind lists everything.
func ListComponents(kind string) []RegistryEntry {
	var entries []RegistryEntry
	for _, e := range componentRegistry {
		if kind == "" || e.Kind == kind {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func isFillerType(name string) bool {
	e, ok := componentRegistry[name]
	return ok && e.Kind == "filler"
}

func isUpdaterType(name string) bool {
	e, ok := componentRegistry[name]
	return ok && e.Kind == "updater"
}
