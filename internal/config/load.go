package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML config file and returns the application config tree,
// the daemon settings, and any warnings.
func Load(path string) (*Tree, *Settings, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses TOML from raw bytes. The path argument is used only for
// error messages.
func LoadBytes(data []byte, path string) (*Tree, *Settings, []string, error) {
	var raw map[string]any
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	tree := buildTree(raw, md)

	settings, warnings, err := decodeSettings(data, path)
	if err != nil {
		return nil, nil, warnings, err
	}

	return tree, settings, warnings, nil
}

// buildTree converts the decoded document into a Tree, using the TOML
// metadata key order so that child order follows document order.
func buildTree(raw map[string]any, md toml.MetaData) *Tree {
	t := NewTree()

	// Tables are walked only after every metadata key has created its node,
	// so that map iteration order never decides child order.
	var tables []func()
	for _, key := range md.Keys() {
		node := t.root
		val := any(raw)
		ok := true
		for _, part := range key {
			m, isMap := val.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			val, ok = m[part]
			if !ok {
				break
			}
			node = node.ensureChild(part)
		}
		if ok {
			if m, isTable := val.(map[string]any); isTable {
				n := node
				tables = append(tables, func() { setValue(n, m) })
				continue
			}
			setValue(node, val)
		}
	}
	for _, fill := range tables {
		fill()
	}

	return t
}

// setValue stores a decoded TOML value on a node. Scalars become the node
// value; arrays become ordered children named by index; maps are walked.
// buildTree passes tables here only after the metadata keys have created
// their children in document order.
func setValue(node *Node, val any) {
	switch v := val.(type) {
	case string:
		node.value = v
	case bool:
		node.value = strconv.FormatBool(v)
	case int64:
		node.value = strconv.FormatInt(v, 10)
	case float64:
		node.value = strconv.FormatFloat(v, 'g', -1, 64)
	case []any:
		for i, elem := range v {
			setValue(node.ensureChild(strconv.Itoa(i)), elem)
		}
	case map[string]any:
		for name, elem := range v {
			setValue(node.ensureChild(name), elem)
		}
	}
}

func decodeSettings(data []byte, path string) (*Settings, []string, error) {
	var doc struct {
		Warden Settings `toml:"warden"`
	}
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	// Warn only about unknown keys under [warden]; everything else in the
	// document belongs to the application tree.
	var warnings []string
	for _, key := range md.Undecoded() {
		if len(key) > 1 && key[0] == "warden" {
			warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
		}
	}

	settings := doc.Warden
	ApplyDefaults(&settings)

	if errs := Validate(&settings); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("config validation failed in %s:\n  %s",
			path, strings.Join(msgs, "\n  "))
	}

	return &settings, warnings, nil
}
