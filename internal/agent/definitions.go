package agent

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// DefinitionsFile is the on-disk shape of the agent definitions file.
type DefinitionsFile struct {
	Agents []Config `yaml:"agents"`
}

// LoadDefinitions parses an agent definitions YAML file.
func LoadDefinitions(path string) (*DefinitionsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definitions: %w", err)
	}

	var defs DefinitionsFile
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse agent definitions: %w", err)
	}

	for i, cfg := range defs.Agents {
		if cfg.ID == "" {
			return nil, fmt.Errorf("agent definition %d missing id", i)
		}
		if cfg.Type == "" {
			return nil, fmt.Errorf("agent definition %q missing type", cfg.ID)
		}
	}
	return &defs, nil
}

// CreateFromDefinitions creates every agent in a definitions file. Agents
// that fail to create are logged and skipped; the rest still come up.
func CreateFromDefinitions(ctx context.Context, r *Registry, defs *DefinitionsFile, log *logger.Logger) int {
	created := 0
	for _, cfg := range defs.Agents {
		if _, err := r.CreateAgent(ctx, cfg); err != nil {
			log.Error("Failed to create configured agent",
				zap.String("agent_id", cfg.ID),
				zap.String("agent_type", cfg.Type),
				zap.Error(err))
			continue
		}
		created++
	}
	return created
}
