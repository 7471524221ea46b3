// Package planner turns resolved catalog entries into an ordered list of
// mount intents for one jail root.
package planner

import (
	"fmt"
	"jailbridge/internal/catalog"
	"jailbridge/internal/fault"
	"path/filepath"
	"sort"
	"strings"
)

// Intent is a single mount to perform.
type Intent struct {
	Resource string
	Source   string // host path, or fs type for filesystem mounts
	Target   string // absolute host path under the jail root
	JailPath string // cleaned path as seen from inside the jail
	Kind     catalog.Kind
	FSType   string
	Options  string
	ReadOnly bool
	Required bool
	Tier     catalog.Tier
}

func (i Intent) String() string {
	return fmt.Sprintf("%s %s -> %s (%s)", i.Resource, i.Source, i.JailPath, i.Kind)
}

// Plan orders the enabled entries by tier, keeping declaration order within
// a tier, and maps their jail paths under jailRoot. It performs no I/O.
func Plan(jailRoot string, entries []catalog.ResourceEntry) ([]Intent, error) {
	if !filepath.IsAbs(jailRoot) {
		return nil, fault.New(fault.Internal, "", "jail root %q must be absolute", jailRoot)
	}
	root := filepath.Clean(jailRoot)

	intents := make([]Intent, 0, len(entries))
	owners := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if err := e.Validate(); err != nil {
			return nil, fault.Wrap(err, fault.PlanConflict, e.Name, "invalid entry")
		}

		jailPath, err := cleanJailPath(e.JailPath)
		if err != nil {
			return nil, fault.Wrap(err, fault.PlanConflict, e.Name, "bad jail path")
		}
		if prev, ok := owners[jailPath]; ok {
			return nil, fault.New(fault.PlanConflict, e.Name, "jail path %s already claimed by %s", jailPath, prev)
		}
		owners[jailPath] = e.Name

		source := e.HostPath
		if e.Kind == catalog.KindFilesystem {
			source = e.FSType
		}
		intents = append(intents, Intent{
			Resource: e.Name,
			Source:   source,
			Target:   filepath.Join(root, jailPath),
			JailPath: jailPath,
			Kind:     e.Kind,
			FSType:   e.FSType,
			Options:  e.Options,
			ReadOnly: e.ReadOnly,
			Required: e.Required,
			Tier:     e.Tier,
		})
	}

	sort.SliceStable(intents, func(a, b int) bool {
		return intents[a].Tier < intents[b].Tier
	})
	return intents, nil
}

// cleanJailPath rejects relative paths and any ".." element, then cleans.
func cleanJailPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%q is not absolute", p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", fmt.Errorf("%q escapes the jail root", p)
		}
	}
	return filepath.Clean(p), nil
}
