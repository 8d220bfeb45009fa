package server

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/autodev/autodev/internal/agents"
	"github.com/autodev/autodev/internal/pr"
)

type catalogAgent struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Tier         string   `yaml:"tier"`
	Framework    string   `yaml:"framework"`
	ToolPatterns []string `yaml:"tool_patterns"`
	Instructions string   `yaml:"instructions"`
}

type agentCatalog struct {
	Agents      []catalogAgent `yaml:"agents"`
	Connections []string       `yaml:"connections"`
}

// defaultCatalog is the roster used when no agents file is configured.
func defaultCatalog() []*agents.Agent {
	return []*agents.Agent{
		{ID: "dev", Name: "Developer", Tier: "standard", Framework: "native", ToolPatterns: []string{"*"}},
		{ID: "reviewer", Name: "Reviewer", Tier: "standard", Framework: "native", ToolPatterns: []string{"read_*", "search_*"}},
	}
}

// LoadRoster reads the YAML agent catalog at path. An empty path selects the
// built-in default roster with no connected apps.
func LoadRoster(path string) (agents.Roster, agents.Connections, error) {
	if path == "" {
		return agents.NewStaticRoster(defaultCatalog()), agents.MapConnections{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read agent catalog: %w", err)
	}
	var catalog agentCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	if len(catalog.Agents) == 0 {
		return nil, nil, fmt.Errorf("agent catalog %s lists no agents", path)
	}

	entries := make([]*agents.Agent, 0, len(catalog.Agents))
	for _, a := range catalog.Agents {
		if a.ID == "" {
			return nil, nil, fmt.Errorf("agent catalog %s: entry without id", path)
		}
		entries = append(entries, &agents.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Tier:         a.Tier,
			Framework:    a.Framework,
			ToolPatterns: a.ToolPatterns,
			Instructions: a.Instructions,
		})
	}

	conns := agents.MapConnections{}
	for _, app := range catalog.Connections {
		conns[strings.ToLower(app)] = true
	}
	return agents.NewStaticRoster(entries), conns, nil
}

type gateFile struct {
	Org   *pr.GateOverlay            `yaml:"org"`
	Repos map[string]*pr.GateOverlay `yaml:"repos"`
}

// LoadGates reads the YAML approval-gate overlay file at path. An empty path
// means defaults only: no org layer and no repo layers.
func LoadGates(path string) (pr.GateLoader, error) {
	if path == "" {
		return &pr.StaticGateLoader{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate overlays: %w", err)
	}
	var file gateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse gate overlays: %w", err)
	}
	return &pr.StaticGateLoader{Org: file.Org, Repos: file.Repos}, nil
}
