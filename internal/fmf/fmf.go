// Package fmf implements a minimal, real (non-stub) FMF/TMT-style metadata
// loader (§3, SPEC_FULL §B/§C): it walks a tree of `main.fmf` YAML nodes,
// merges ancestor-to-child metadata, resolves one plan's prepare steps and
// environment, and discovers the TestDescriptors that plan selects.
//
// It is deliberately not a full implementation of the `fmf`/`tmt` metadata
// languages (no `adjust` context rules, no `+`/`-` list-merge operators, no
// YAML anchors across files) — §1 treats FMF parsing as a pure function
// external to the orchestration engine; this gives that function a small,
// genuine body instead of a stub.
package fmf

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// metaFile is the node-defining file fmf looks for in every directory.
const metaFile = "main.fmf"

// Platform is an immutable (distro, arch) pair tests and Provisioners are
// bucketed by (§3).
type Platform struct {
	Distro string
	Arch   string
}

func (p Platform) String() string {
	return p.Distro + "/" + p.Arch
}

// TestDescriptor is one selected test: its fmf name, metadata, and the
// on-disk directory (relative to the fmf root) its wrapper script lives in.
type TestDescriptor struct {
	Name          string
	Dir           string
	Tags          []string
	Duration      string
	Enabled       bool
	ExtraPriority int
	Data          map[string]interface{}
}

// HasTag reports whether t carries tag among its fmf "tag" metadata.
func (t TestDescriptor) HasTag(tag string) bool {
	for _, candidate := range t.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

// Plan is the derived, immutable result of resolving one fmf plan node:
// prepare packages/scripts in declaration order, merged environment, and
// the TestDescriptors the plan's discover rules selected.
type Plan struct {
	Name           string
	PreparePkgs    []string
	PrepareScripts []string
	Env            map[string]string
	Tests          []TestDescriptor
}

// node is one parsed main.fmf location, with metadata already merged down
// from its ancestors.
type node struct {
	name string
	dir  string
	data map[string]interface{}
}

// LoadPlan walks fmfRoot, resolves the plan named planName (an fmf-style
// path such as "/plans/basic"), and returns the Plan it derives.
func LoadPlan(fmfRoot, planName string) (*Plan, error) {
	nodes, err := loadTree(fmfRoot)
	if err != nil {
		return nil, fmt.Errorf("fmf: load tree: %w", err)
	}

	plan, ok := nodes[planName]
	if !ok {
		return nil, fmt.Errorf("fmf: plan %s not found under %s", planName, fmfRoot)
	}
	if _, isTest := plan.data["test"]; isTest {
		return nil, fmt.Errorf("fmf: %s appears to be a test, not a plan", planName)
	}

	p := &Plan{Name: planName, Env: map[string]string{}}

	for _, entry := range listlikeMaps(plan.data, "environment") {
		for k, v := range entry {
			p.Env[k] = fmt.Sprint(v)
		}
	}

	for _, entry := range listlikeMaps(plan.data, "prepare") {
		how, _ := entry["how"].(string)
		switch how {
		case "install":
			p.PreparePkgs = append(p.PreparePkgs, listlikeStrings(entry, "package")...)
		case "shell":
			p.PrepareScripts = append(p.PrepareScripts, listlikeStrings(entry, "script")...)
		}
	}

	tests, err := discover(nodes, plan.data)
	if err != nil {
		return nil, fmt.Errorf("fmf: discover: %w", err)
	}
	p.Tests = tests
	return p, nil
}

// discover applies every "how: fmf" entry of planData's "discover" key
// against nodes, in the order tmt documents: name/tag filter via .prune(),
// then a manual regex exclude pass (not supported by a filter expression).
func discover(nodes map[string]*node, planData map[string]interface{}) ([]TestDescriptor, error) {
	var out []TestDescriptor
	seen := map[string]bool{}

	for _, entry := range listlikeMaps(planData, "discover") {
		how, _ := entry["how"].(string)
		if how != "fmf" {
			continue
		}

		testFilter := listlikeStrings(entry, "test")
		tagFilter := listlikeStrings(entry, "filter")
		excludeFilter := listlikeStrings(entry, "exclude")

		for _, candidates := range orderedNodes(nodes) {
			if _, isTest := candidates.data["test"]; !isTest {
				continue
			}
			if seen[candidates.name] {
				continue
			}
			if len(testFilter) > 0 && !matchesAny(testFilter, candidates.name) {
				continue
			}
			if !matchesAllTagFilters(tagFilter, candidates.data) {
				continue
			}
			if matchesAny(excludeFilter, candidates.name) {
				continue
			}
			if enabled, ok := candidates.data["enabled"].(bool); ok && !enabled {
				continue
			}
			if truthy(candidates.data["manual"]) || truthy(candidates.data["story"]) {
				continue
			}

			seen[candidates.name] = true
			out = append(out, toDescriptor(candidates))
		}
	}
	return out, nil
}

func toDescriptor(n *node) TestDescriptor {
	duration, _ := n.data["duration"].(string)
	enabled := true
	if v, ok := n.data["enabled"].(bool); ok {
		enabled = v
	}
	priority := 0
	switch v := n.data["extra-priority"].(type) {
	case int:
		priority = v
	case float64:
		priority = int(v)
	}
	return TestDescriptor{
		Name:          n.name,
		Dir:           n.dir,
		Tags:          listlikeStrings(n.data, "tag"),
		Duration:      duration,
		Enabled:       enabled,
		ExtraPriority: priority,
		Data:          n.data,
	}
}

// matchesAllTagFilters implements a deliberately small subset of fmf's
// filter-expression language: each filter is "key:value" or "key:!value"
// (negation), ANDed together, evaluated against the node's listlike value
// for key. An empty filter list always matches.
func matchesAllTagFilters(filters []string, data map[string]interface{}) bool {
	for _, filter := range filters {
		key, value, found := strings.Cut(filter, ":")
		if !found {
			continue
		}
		negate := strings.HasPrefix(value, "!")
		value = strings.TrimPrefix(value, "!")

		has := false
		for _, candidate := range listlikeStrings(data, key) {
			if candidate == value {
				has = true
				break
			}
		}
		if has == negate {
			return false
		}
	}
	return true
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func truthy(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// orderedNodes returns every node in nodes sorted by name, for
// deterministic discovery order independent of map iteration.
func orderedNodes(nodes map[string]*node) []*node {
	out := make([]*node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// loadTree walks root for every main.fmf, parsing each as YAML and merging
// it on top of its parent directory's already-merged data with a shallow
// overwrite (mergeMeta): a child's top-level key replaces the parent's
// value whole, lists and nested maps included.
func loadTree(root string) (map[string]*node, error) {
	nodes := map[string]*node{}
	root = filepath.Clean(root)

	var walkDir func(dir string, inherited map[string]interface{}) error
	walkDir = func(dir string, inherited map[string]interface{}) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}

		data := inherited
		metaPath := filepath.Join(dir, metaFile)
		if raw, err := os.ReadFile(metaPath); err == nil {
			var own map[string]interface{}
			if err := yaml.Unmarshal(raw, &own); err != nil {
				return fmt.Errorf("parse %s: %w", metaPath, err)
			}
			data = mergeMeta(inherited, own)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", metaPath, err)
		}

		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return err
		}
		name := "/" + filepath.ToSlash(rel)
		if rel == "." {
			name = "/"
		}
		nodes[name] = &node{name: name, dir: rel, data: data}

		for _, entry := range entries {
			if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				if err := walkDir(filepath.Join(dir, entry.Name()), data); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walkDir(root, map[string]interface{}{}); err != nil {
		return nil, err
	}
	return nodes, nil
}

// mergeMeta shallow-merges own over inherited, copying rather than
// mutating either input so sibling subtrees never see each other's data.
func mergeMeta(inherited, own map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(inherited)+len(own))
	for k, v := range inherited {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}

// listlike returns data[key] as a slice regardless of whether the source
// YAML spelled it as a scalar or a list — the same normalisation
// FMFTests.listlike performs in original_source.
func listlike(data map[string]interface{}, key string) []interface{} {
	v, ok := data[key]
	if !ok || v == nil {
		return nil
	}
	if list, ok := v.([]interface{}); ok {
		return list
	}
	return []interface{}{v}
}

func listlikeStrings(data map[string]interface{}, key string) []string {
	items := listlike(data, key)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func listlikeMaps(data map[string]interface{}, key string) []map[string]interface{} {
	items := listlike(data, key)
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// CombinePlatforms resolves planName once per platform, first dropping
// (via applyContext) every node whose own "distro"/"arch" metadata names a
// different value, so each Platform's Plan only contains tests matching its
// own context; nodes without those keys are kept for every platform. This
// stands in for original_source's fmf.Context adjust mechanism.
func CombinePlatforms(fmfRoot, planName string, platforms []Platform) (map[Platform]*Plan, error) {
	out := make(map[Platform]*Plan, len(platforms))
	for _, platform := range platforms {
		nodes, err := loadTree(fmfRoot)
		if err != nil {
			return nil, fmt.Errorf("fmf: load tree: %w", err)
		}
		applyContext(nodes, platform)

		plan, ok := nodes[planName]
		if !ok {
			return nil, fmt.Errorf("fmf: plan %s not found under %s", planName, fmfRoot)
		}
		p := &Plan{Name: planName, Env: map[string]string{}}
		for _, entry := range listlikeMaps(plan.data, "environment") {
			for k, v := range entry {
				p.Env[k] = fmt.Sprint(v)
			}
		}
		for _, entry := range listlikeMaps(plan.data, "prepare") {
			how, _ := entry["how"].(string)
			switch how {
			case "install":
				p.PreparePkgs = append(p.PreparePkgs, listlikeStrings(entry, "package")...)
			case "shell":
				p.PrepareScripts = append(p.PrepareScripts, listlikeStrings(entry, "script")...)
			}
		}
		tests, err := discover(nodes, plan.data)
		if err != nil {
			return nil, fmt.Errorf("fmf: discover: %w", err)
		}
		p.Tests = tests
		out[platform] = p
	}
	return out, nil
}

// applyContext drops any node whose own "distro"/"arch" metadata key names
// a value other than platform's, mimicking fmf's adjust-by-context at the
// granularity this minimal loader supports.
func applyContext(nodes map[string]*node, platform Platform) {
	for name, n := range nodes {
		if distro, ok := n.data["distro"].(string); ok && distro != platform.Distro {
			delete(nodes, name)
			continue
		}
		if arch, ok := n.data["arch"].(string); ok && arch != platform.Arch {
			delete(nodes, name)
		}
	}
}
