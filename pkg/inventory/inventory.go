// Package inventory resolves the fleet description into the target list a
// dispatch runs against. Inventories live in YAML files or in MongoDB,
// behind one Store interface.
package inventory

import (
	"fmt"

	"github.com/opsforge/fleetexec/pkg/target"
)

// Entry is one target as written in an inventory, before group defaults are
// applied.
type Entry struct {
	Name     string         `yaml:"name" json:"name" bson:"name"`
	Host     string         `yaml:"host,omitempty" json:"host,omitempty" bson:"host,omitempty"`
	Protocol string         `yaml:"protocol,omitempty" json:"protocol,omitempty" bson:"protocol,omitempty"`
	Port     int            `yaml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty"`
	User     string         `yaml:"user,omitempty" json:"user,omitempty" bson:"user,omitempty"`
	Options  map[string]any `yaml:"options,omitempty" json:"options,omitempty" bson:"options,omitempty"`
}

// Group carries defaults shared by its targets.
type Group struct {
	Name     string         `yaml:"name" json:"name" bson:"name"`
	Protocol string         `yaml:"protocol,omitempty" json:"protocol,omitempty" bson:"protocol,omitempty"`
	Port     int            `yaml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty"`
	User     string         `yaml:"user,omitempty" json:"user,omitempty" bson:"user,omitempty"`
	Options  map[string]any `yaml:"options,omitempty" json:"options,omitempty" bson:"options,omitempty"`
	Targets  []Entry        `yaml:"targets" json:"targets" bson:"targets"`
}

// Spec is the on-disk / in-collection inventory document.
type Spec struct {
	Version int     `yaml:"version,omitempty" json:"version,omitempty" bson:"version,omitempty"`
	Groups  []Group `yaml:"groups,omitempty" json:"groups,omitempty" bson:"groups,omitempty"`
	Targets []Entry `yaml:"targets,omitempty" json:"targets,omitempty" bson:"targets,omitempty"`
}

// Load reads an inventory through store and resolves it into targets.
func Load(store Store) ([]*target.Target, error) {
	var spec Spec
	if err := store.Load(&spec); err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return spec.Resolve()
}

// Resolve applies group defaults and validates every target. Order is the
// document order: grouped targets first, then ungrouped ones.
func (s *Spec) Resolve() ([]*target.Target, error) {
	var targets []*target.Target
	for _, g := range s.Groups {
		for _, e := range g.Targets {
			t, err := e.resolve(&g)
			if err != nil {
				return nil, fmt.Errorf("inventory group %s: %w", g.Name, err)
			}
			targets = append(targets, t)
		}
	}
	for _, e := range s.Targets {
		t, err := e.resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("inventory: %w", err)
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("inventory resolves to no targets")
	}
	return targets, nil
}

func (e *Entry) resolve(g *Group) (*target.Target, error) {
	t := &target.Target{
		Name:     e.Name,
		Host:     e.Host,
		Protocol: e.Protocol,
		Port:     e.Port,
		User:     e.User,
	}
	if t.Host == "" {
		t.Host = e.Name
	}
	if g != nil {
		if t.Protocol == "" {
			t.Protocol = g.Protocol
		}
		if t.Port == 0 {
			t.Port = g.Port
		}
		if t.User == "" {
			t.User = g.User
		}
	}
	if t.Protocol == "" {
		t.Protocol = target.ProtocolSSH
	}

	t.Options = map[string]any{}
	if g != nil {
		for k, v := range g.Options {
			t.Options[k] = v
		}
	}
	for k, v := range e.Options {
		t.Options[k] = v
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
