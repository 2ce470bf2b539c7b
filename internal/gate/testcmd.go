package gate

import (
	"os"
	"path/filepath"
	"strings"
)

// DetectTestCommand infers the project's test command from its build files.
// Returns "" when nothing recognizable exists.
func DetectTestCommand(dir string) string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	switch {
	case exists("go.mod"):
		return "go test ./..."
	case exists("package.json"):
		return "npm test"
	case exists("Cargo.toml"):
		return "cargo test"
	case exists("Makefile") && makefileHasTest(filepath.Join(dir, "Makefile")):
		return "make test"
	case exists("pytest.ini") || exists("pyproject.toml") || exists("setup.py"):
		return "pytest"
	}
	return ""
}

func makefileHasTest(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "test:") {
			return true
		}
	}
	return false
}
