package engine

import (
	"fmt"

	"github.com/convoyai/convoy/pkg/models"
)

// Slice is a named reducer appended to the core pipeline. Slices observe
// every event (core events included) and own an opaque state partition
// keyed by their name.
type Slice struct {
	// Name keys the slice's state partition and its dependency edges.
	Name string

	// InitialState seeds the partition at initialization.
	InitialState any

	// Schemas maps slice event types to JSON Schema source. Registered
	// into the combined ingress schema.
	Schemas map[string]string

	// DependsOn names other slices whose partitions this reducer reads.
	DependsOn []string

	// Reduce returns the slice's new partition, or nil to keep the
	// current one. The state argument is the merged state after the core
	// reducer and all earlier slices ran for this event; deps holds the
	// partitions of declared dependencies.
	Reduce func(state models.State, deps map[string]any, e models.Event) (any, error)
}

// validateSlices checks name uniqueness and dependency resolution.
// Circular dependencies are a construction-time error.
func validateSlices(slices []Slice) error {
	byName := make(map[string]int, len(slices))
	for i, s := range slices {
		if s.Name == "" {
			return fmt.Errorf("slice %d has no name", i)
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate slice name %q", s.Name)
		}
		byName[s.Name] = i
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make([]int, len(slices))
	var visit func(i int) error
	visit = func(i int) error {
		switch marks[i] {
		case visiting:
			return fmt.Errorf("circular slice dependency involving %q", slices[i].Name)
		case done:
			return nil
		}
		marks[i] = visiting
		for _, dep := range slices[i].DependsOn {
			j, ok := byName[dep]
			if !ok {
				return fmt.Errorf("slice %q depends on unknown slice %q", slices[i].Name, dep)
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		marks[i] = done
		return nil
	}
	for i := range slices {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// sliceDeps assembles the dependency partitions for one slice.
func sliceDeps(state models.State, s Slice) map[string]any {
	if len(s.DependsOn) == 0 {
		return nil
	}
	deps := make(map[string]any, len(s.DependsOn))
	for _, name := range s.DependsOn {
		deps[name] = state.Slices[name]
	}
	return deps
}
