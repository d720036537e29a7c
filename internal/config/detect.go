package config

import (
	"os"
	"path/filepath"
)

// CacheMount is a shared build or package cache for a language toolchain.
// Name is the host directory name under the repository's cache root.
type CacheMount struct {
	Name          string
	ContainerPath string
}

type Detection struct {
	Language     string
	Packages     []string
	Ports        []int
	DockerSocket bool
	Setup        []string
	// Caches are mounted read-write per repository.
	Caches []CacheMount
	// ParallelismEnv are the variables that cap the toolchain's worker
	// threads inside a sandbox.
	ParallelismEnv []string
}

// Detect inspects the project directory and returns language, suggested
// packages, caches and parallelism knobs.
func Detect(projectDir string) Detection {
	checks := []struct {
		file        string
		language    string
		packages    []string
		ports       []int
		setup       []string
		caches      []CacheMount
		parallelism []string
	}{
		{"go.mod", "go", []string{"golang-go", "git", "curl", "make", "lsof"}, []int{8080}, nil,
			[]CacheMount{{"gomod", "/home/agent/go/pkg/mod"}, {"gobuild", "/home/agent/.cache/go-build"}},
			[]string{"GOMAXPROCS"}},
		{"package.json", "node", []string{"nodejs", "npm", "git", "curl", "make", "lsof"}, []int{3000}, []string{"cd /workspace && npm install"},
			[]CacheMount{{"npm", "/home/agent/.npm"}, {"pnpm-store", "/home/agent/.local/share/pnpm/store"}},
			[]string{"UV_THREADPOOL_SIZE"}},
		{"requirements.txt", "python", []string{"python3", "python3-pip", "git", "curl", "make", "lsof"}, []int{8000}, []string{"cd /workspace && pip install -r requirements.txt"},
			[]CacheMount{{"pip", "/home/agent/.cache/pip"}, {"uv", "/home/agent/.cache/uv"}},
			[]string{"OMP_NUM_THREADS", "UV_CONCURRENT_BUILDS"}},
		{"Cargo.toml", "rust", []string{"rustc", "cargo", "git", "curl", "make", "lsof"}, []int{8080}, nil,
			[]CacheMount{{"cargo-registry", "/home/agent/.cargo/registry"}, {"cargo-git", "/home/agent/.cargo/git"}},
			[]string{"CARGO_BUILD_JOBS", "RAYON_NUM_THREADS"}},
		{"pyproject.toml", "python", []string{"python3", "python3-pip", "git", "curl", "make", "lsof"}, []int{8000}, []string{"cd /workspace && pip install -e ."},
			[]CacheMount{{"pip", "/home/agent/.cache/pip"}, {"uv", "/home/agent/.cache/uv"}},
			[]string{"OMP_NUM_THREADS", "UV_CONCURRENT_BUILDS"}},
	}

	var det Detection
	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(projectDir, c.file)); err == nil {
			det = Detection{
				Language:       c.language,
				Packages:       c.packages,
				Ports:          c.ports,
				Setup:          c.setup,
				Caches:         c.caches,
				ParallelismEnv: c.parallelism,
			}
			break
		}
	}

	if det.Language == "" {
		det = Detection{
			Language: "unknown",
			Packages: []string{"git", "curl", "make", "lsof"},
			Ports:    nil,
		}
	}

	// Detect docker-compose files
	composeFiles := []string{
		"docker-compose.yml",
		"docker-compose.yaml",
		"docker-compose.test.yml",
		"compose.yml",
		"compose.yaml",
	}
	for _, f := range composeFiles {
		if _, err := os.Stat(filepath.Join(projectDir, f)); err == nil {
			det.DockerSocket = true
			break
		}
	}

	return det
}
