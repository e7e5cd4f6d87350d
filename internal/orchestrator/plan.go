package orchestrator

import (
	"fmt"

	"github.com/xkilldash9x/scalpel-capture/internal/analysis/core"
)

// Plan is a validated set of plugins, split by kind, each list in dependency order.
type Plan struct {
	All            []core.Plugin
	Infrastructure []core.InfrastructurePlugin
	Crawl          []core.CrawlPlugin
	Grep           []core.GrepPlugin
}

// NewPlan checks that every dependency is enabled and acyclic, and orders the
// plugins so each runs after what it depends on. Otherwise the enabled order
// is kept.
func NewPlan(plugins []core.Plugin) (*Plan, error) {
	byName := make(map[string]core.Plugin, len(plugins))
	for _, p := range plugins {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("plugin %s enabled more than once", p.Name())
		}
		byName[p.Name()] = p
	}
	for _, p := range plugins {
		for _, dep := range p.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, &core.DependencyError{Plugin: p.Name(), Dependency: dep}
			}
		}
	}

	ordered, err := topoSort(plugins, byName)
	if err != nil {
		return nil, err
	}

	plan := &Plan{All: ordered}
	for _, p := range ordered {
		switch p.Kind() {
		case core.KindInfrastructure:
			ip, ok := p.(core.InfrastructurePlugin)
			if !ok {
				return nil, kindMismatch(p)
			}
			plan.Infrastructure = append(plan.Infrastructure, ip)
		case core.KindCrawl:
			cp, ok := p.(core.CrawlPlugin)
			if !ok {
				return nil, kindMismatch(p)
			}
			plan.Crawl = append(plan.Crawl, cp)
		case core.KindGrep:
			gp, ok := p.(core.GrepPlugin)
			if !ok {
				return nil, kindMismatch(p)
			}
			plan.Grep = append(plan.Grep, gp)
		default:
			return nil, fmt.Errorf("plugin %s has unknown kind %q", p.Name(), p.Kind())
		}
	}
	return plan, nil
}

func kindMismatch(p core.Plugin) error {
	return fmt.Errorf("plugin %s declares kind %s but does not implement it", p.Name(), p.Kind())
}

// DFS colours.
const (
	white = iota
	grey
	black
)

// topoSort is a depth-first post-order walk. Meeting a grey node means the
// path on the stack closes a cycle.
func topoSort(plugins []core.Plugin, byName map[string]core.Plugin) ([]core.Plugin, error) {
	colour := make(map[string]int, len(plugins))
	out := make([]core.Plugin, 0, len(plugins))
	var stack []string

	var visit func(p core.Plugin) error
	visit = func(p core.Plugin) error {
		name := p.Name()
		switch colour[name] {
		case black:
			return nil
		case grey:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return &core.DependencyError{Plugin: name, Cycle: cycle}
		}

		colour[name] = grey
		stack = append(stack, name)
		for _, dep := range p.Dependencies() {
			if err := visit(byName[dep]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		colour[name] = black
		out = append(out, p)
		return nil
	}

	for _, p := range plugins {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}
