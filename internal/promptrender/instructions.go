package promptrender

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadAgentInstructions searches for AGENTS.md files from the current
// working directory up to the filesystem root, then checks the user's
// config directory, and returns their concatenated contents with
// project-level instructions taking precedence over user-level ones.
func LoadAgentInstructions() string {
	var instructions []string

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		agentsPath := filepath.Join(dir, "AGENTS.md")
		if content := readFileIfExists(agentsPath); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s", agentsPath)+"\n"+content)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		configAgents := filepath.Join(home, ".config", "forge", "AGENTS.md")
		if content := readFileIfExists(configAgents); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s", configAgents)+"\n"+content)
		}
	}

	// Reverse so project-level instructions (collected first) end up last,
	// and so appear after the user-level ones once joined — the later text
	// takes precedence.
	for i := 0; i < len(instructions)/2; i++ {
		j := len(instructions) - 1 - i
		instructions[i], instructions[j] = instructions[j], instructions[i]
	}

	return strings.Join(instructions, "\n\n")
}

func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
