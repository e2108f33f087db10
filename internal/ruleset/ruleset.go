// Package ruleset turns a small JSON document into a *core.Rule DAG. It
// exists solely to give cmd/snowflake and integration tests a rule-
// authoring surface to point at; a general build-file language is out of
// scope for this engine, so this is deliberately minimal - please's parser
// is a whole Starlark-like interpreter, where this is only encoding/json.
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/thought-machine/snowflake/internal/core"
)

// A fileRule is the on-disk shape of a single rule entry.
type fileRule struct {
	Name   string            `json:"name"`
	Deps   []string          `json:"deps"`
	Inline map[string]string `json:"inline"`
	Copy   map[string]string `json:"copy"`
	Link   map[string]string `json:"link"`
}

// A Document is the on-disk shape of a whole rule file: a flat list of
// rules, each naming its dependencies by the name of another rule in the
// same document. Order is insignificant; dependency order within a rule's
// own Deps list comes from the order names appear in its "deps" array.
type Document struct {
	Rules []fileRule `json:"rules"`
}

// Load parses the rule file at path and returns it. Dependency names are
// resolved later, by Build.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("ruleset: parsing %s: %w", path, err)
	}
	return &doc, nil
}

// Build resolves rootName within doc into a *core.Rule DAG, recursively
// resolving dependency names and sharing a single *core.Rule per name so
// a rule referenced by two others (a diamond dependency) is the same
// object, which is what lets the evaluator's per-rule memoization do its
// job.
func Build(doc *Document, rootName string) (*core.Rule, error) {
	byName := make(map[string]fileRule, len(doc.Rules))
	for _, r := range doc.Rules {
		byName[r.Name] = r
	}
	built := make(map[string]*core.Rule, len(doc.Rules))
	return resolve(rootName, byName, built, nil)
}

func resolve(name string, byName map[string]fileRule, built map[string]*core.Rule, stack []string) (*core.Rule, error) {
	if r, ok := built[name]; ok {
		return r, nil
	}
	for _, s := range stack {
		if s == name {
			return nil, fmt.Errorf("ruleset: cycle detected: %v -> %s", stack, name)
		}
	}
	fr, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("ruleset: no rule named %q", name)
	}

	deps := make([]*core.Rule, len(fr.Deps))
	for i, depName := range fr.Deps {
		dep, err := resolve(depName, byName, built, append(stack, name))
		if err != nil {
			return nil, err
		}
		deps[i] = dep
	}

	sources := make(map[string]core.Source, len(fr.Inline)+len(fr.Copy)+len(fr.Link))
	for sourceName, content := range fr.Inline {
		sources[sourceName] = core.NewInlineSource([]byte(content))
	}
	for sourceName, path := range fr.Copy {
		sources[sourceName] = core.NewOnDiskCopySource(path)
	}
	for sourceName, path := range fr.Link {
		sources[sourceName] = core.NewOnDiskLinkSource(path)
	}

	rule := core.NewRule(fr.Name, deps, sources)
	built[name] = rule
	return rule, nil
}
