package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zpdzap/drydock/internal/config"
	"github.com/zpdzap/drydock/internal/engine"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/sandbox"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize drydock overrides in the current repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if config.Exists(projectDir) {
				fmt.Fprintln(out, "drydock already initialized in this repository.")
				return nil
			}
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			detection := config.Detect(projectDir)
			projectName := filepath.Base(projectDir)
			cfg := &config.RepoConfig{
				Version:  "1",
				Project:  projectName,
				Language: detection.Language,
				Image: config.Image{
					Base:       settings.Sandbox.Image,
					Dockerfile: filepath.Join(config.Dir, "Dockerfile"),
					Packages:   detection.Packages,
				},
			}
			if detection.DockerSocket {
				enabled := true
				cfg.Sandbox.DockerSocket = &enabled
			}

			if err := config.Save(projectDir, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			if err := writeDockerfile(projectDir, cfg, detection.Setup); err != nil {
				return fmt.Errorf("writing Dockerfile: %w", err)
			}
			if err := updateGitignore(projectDir); err != nil {
				return fmt.Errorf("updating .gitignore: %w", err)
			}
			wtDir := filepath.Join(projectDir, config.Dir, config.WorktreeDir)
			if err := os.MkdirAll(wtDir, 0o755); err != nil {
				return fmt.Errorf("creating worktrees dir: %w", err)
			}

			fmt.Fprintf(out, "Initialized drydock for %s (%s project)\n", projectName, detection.Language)
			fmt.Fprintf(out, "  Config: %s/%s\n", config.Dir, config.ConfigFile)
			fmt.Fprintf(out, "  Dockerfile: %s/Dockerfile\n", config.Dir)
			fmt.Fprintln(out, "\nRun `drydock build` to bake a repository image, or `drydock` to open the dashboard.")
			return nil
		},
	}
}

func buildCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the repository Dockerfile and use it for runs in this repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := config.Load(projectDir)
			if err != nil {
				return fmt.Errorf("not a drydock repository (run `drydock init` first): %w", err)
			}
			if tag == "" {
				tag = "drydock-" + strings.ToLower(cfg.Project) + ":latest"
			}
			dockerfile := cfg.Image.Dockerfile
			if dockerfile == "" {
				dockerfile = filepath.Join(config.Dir, "Dockerfile")
			}

			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			images := sandbox.NewImages(engine.NewDocker("docker", nil), buildPrinter{w: out}, nil)
			err = images.Build(ctx, engine.BuildOptions{
				Tag:        tag,
				Dockerfile: filepath.Join(projectDir, dockerfile),
				ContextDir: projectDir,
			})
			if err != nil {
				return err
			}

			cfg.Image.Ref = tag
			if err := config.Save(projectDir, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintf(out, "Runs in %s now use %s\n", cfg.Project, tag)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "image tag (default drydock-<project>:latest)")
	return cmd
}

// buildPrinter writes build progress lines.
type buildPrinter struct {
	w io.Writer
}

func (p buildPrinter) Publish(msg notify.Message) {
	if msg.Kind != notify.ImagePullProgress || msg.Progress == nil || msg.Status != "" {
		return
	}
	if msg.Progress.Status != "" {
		fmt.Fprintln(p.w, msg.Progress.Status)
	}
}

func writeDockerfile(projectDir string, cfg *config.RepoConfig, setup []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", cfg.Image.Base)
	if len(cfg.Image.Packages) > 0 {
		fmt.Fprintf(&b, `
USER root
RUN apt-get update && apt-get install -y \
    %s \
    && rm -rf /var/lib/apt/lists/*
`, strings.Join(cfg.Image.Packages, " "))
	}
	for _, step := range setup {
		fmt.Fprintf(&b, "\nRUN %s\n", step)
	}

	path := filepath.Join(projectDir, config.Dir, "Dockerfile")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func updateGitignore(projectDir string) error {
	gitignorePath := filepath.Join(projectDir, ".gitignore")

	entries := []string{
		config.Dir + "/" + config.WorktreeDir + "/",
	}

	existing, _ := os.ReadFile(gitignorePath)
	content := string(existing)

	var toAdd []string
	for _, entry := range entries {
		if !strings.Contains(content, entry) {
			toAdd = append(toAdd, entry)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "\n# drydock\n"
	for _, entry := range toAdd {
		content += entry + "\n"
	}
	return os.WriteFile(gitignorePath, []byte(content), 0o644)
}
