package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/testorch/internal/api"
	"github.com/mpataki/testorch/internal/config"
	"github.com/mpataki/testorch/internal/logging"
	"github.com/mpataki/testorch/internal/manifest"
	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/orchestrator"
	"github.com/mpataki/testorch/internal/policy"
	"github.com/mpataki/testorch/internal/storage"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				listen, _ := cmd.Flags().GetString("listen")
				if listen == "" {
					listen = a.cfg.Server.Listen
				}
				selector, err := a.healPolicy(cmd.Context(), "")
				if err != nil {
					return err
				}
				srv := api.NewServer(a.orch, selector, a.registry, logging.Component(a.logger, "api"))
				return srv.ListenAndServe(cmd.Context(), listen)
			})
		},
	}
	cmd.Flags().String("listen", "", "Listen address (default from config)")
	return cmd
}

func newIngestCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [manifest...]",
		Short: "Register projects from manifest files",
		Long:  "Registers each manifest; with no files given every manifest in the manifest directory is ingested.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				manifests, err := manifestsFromFlags(cmd, a.cfg, args)
				if err != nil {
					return err
				}
				if len(manifests) == 0 {
					fmt.Println("No manifests found.")
					return nil
				}
				for _, m := range manifests {
					p, err := a.orch.Ingest(cmd.Context(), ingestRequest(m))
					if err != nil {
						return err
					}
					fmt.Printf("%s %s (%d endpoints)\n", stateBadge(p.State), p.ID, len(p.Endpoints))
				}
				return nil
			})
		},
	}
	addManifestFlags(cmd)
	return cmd
}

func newGenerateCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <project>",
		Short: "Generate a test suite for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			return withApp(cmd, flags, func(a *app) error {
				artifact, err := a.orch.Generate(cmd.Context(), args[0], target)
				if err != nil {
					return err
				}
				fmt.Printf("Generated artifact %s\n", artifact.ID)
				fmt.Printf("Source: %s\n", artifact.SourceReference)
				return nil
			})
		},
	}
	cmd.Flags().String("target", "", "Base URL of the service under test")
	return cmd
}

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <project>",
		Short: "Run the current test suite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				run, err := a.orch.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRun(run)
				return nil
			})
		},
	}
}

func newHealCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heal <project>",
		Short: "Heal a failing run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			runID, _ := cmd.Flags().GetString("run")
			sourceFile, _ := cmd.Flags().GetString("source-file")

			return withApp(cmd, flags, func(a *app) error {
				if runID == "" {
					p, err := a.orch.Project(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if p.LastRunID == "" {
						return fmt.Errorf("project %s has no run to heal", p.ID)
					}
					runID = p.LastRunID
				}

				res, err := a.orch.Heal(cmd.Context(), orchestrator.HealRequest{
					ProjectID:   args[0],
					Kind:        models.HealKind(kind),
					RunResultID: runID,
					SourceFile:  sourceFile,
				})
				if res != nil {
					printHeal(res)
				}
				return err
			})
		},
	}
	cmd.Flags().String("kind", string(models.HealTestPatch), "test_patch or code_diagnosis")
	cmd.Flags().String("run", "", "Run result to heal (default: the project's last run)")
	cmd.Flags().String("source-file", "", "Suspect source file for code_diagnosis")
	return cmd
}

func newCycleCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle [manifest...]",
		Short: "Ingest, generate, run and heal projects",
		Long:  "Runs a full cycle for each manifest, in parallel up to --parallel projects at a time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			healKind, _ := cmd.Flags().GetString("heal-kind")
			parallel, _ := cmd.Flags().GetInt("parallel")

			return withApp(cmd, flags, func(a *app) error {
				manifests, err := manifestsFromFlags(cmd, a.cfg, args)
				if err != nil {
					return err
				}
				if len(manifests) == 0 {
					fmt.Println("No manifests found.")
					return nil
				}

				var (
					mu   sync.Mutex
					errs []error
				)
				g := errgroup.Group{}
				g.SetLimit(max(parallel, 1))
				for _, m := range manifests {
					override := healKind
					if override == "" {
						override = m.HealKind
					}
					selector, err := a.healPolicy(cmd.Context(), override)
					if err != nil {
						return fmt.Errorf("%s: %w", m.ID, err)
					}

					g.Go(func() error {
						report, err := cycleManifest(cmd, a, m, selector)

						mu.Lock()
						defer mu.Unlock()
						if report != nil {
							printCycle(report)
						}
						if err != nil {
							fmt.Printf("  %s\n", errorStyle.Render(err.Error()))
							errs = append(errs, fmt.Errorf("%s: %w", m.ID, err))
						}
						return nil
					})
				}
				_ = g.Wait()
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().String("heal-kind", "", "none, auto, test_patch or code_diagnosis (default from config)")
	cmd.Flags().IntP("parallel", "p", 4, "Projects cycled concurrently")
	addManifestFlags(cmd)
	return cmd
}

func cycleManifest(cmd *cobra.Command, a *app, m *manifest.Manifest, selector policy.Selector) (*orchestrator.CycleReport, error) {
	if _, err := a.orch.Ingest(cmd.Context(), ingestRequest(m)); err != nil {
		return nil, err
	}
	return a.orch.Cycle(cmd.Context(), orchestrator.CycleRequest{
		ProjectID:     m.ID,
		TargetBaseURL: m.TargetBaseURL,
		SelectHeal:    orchestrator.HealSelector(selector),
	})
}

func newHistoryCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List run history, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 0 {
				return fmt.Errorf("limit must be non-negative")
			}

			return withApp(cmd, flags, func(a *app) error {
				records, err := storage.Collect(a.orch.History(cmd.Context(), models.HistoryQuery{ProjectID: project, Limit: limit}))
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Println("No runs recorded.")
					return nil
				}
				for _, rec := range records {
					printHistory(rec)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("project", "", "Only show runs of this project")
	cmd.Flags().IntP("limit", "n", 20, "Maximum records (0 for all)")
	return cmd
}

func newStatsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				stats, err := a.orch.DashboardStats(cmd.Context())
				if err != nil {
					return err
				}
				printStats(stats)
				return nil
			})
		},
	}
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show project state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				if len(args) == 1 {
					p, err := a.orch.Project(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					printProject(p)
					return nil
				}

				projects, err := a.orch.Projects(cmd.Context())
				if err != nil {
					return err
				}
				if len(projects) == 0 {
					fmt.Println("No projects found.")
					return nil
				}
				for _, p := range projects {
					fmt.Printf("%s %-24s %s\n", stateBadge(p.State), p.ID, dimStyle.Render(storage.FormatTimeAgo(p.UpdatedAt)))
				}
				return nil
			})
		},
	}
}

func newRecoverCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Settle projects left in flight by a crashed process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(a *app) error {
				recovered, err := a.orch.RecoverStale(cmd.Context())
				if err != nil {
					return err
				}
				if len(recovered) == 0 {
					fmt.Println("Nothing to recover.")
					return nil
				}
				for _, id := range recovered {
					fmt.Printf("Recovered %s\n", id)
				}
				return nil
			})
		},
	}
}

func newConfigCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			cfg, err := config.Load(flags.loadOptions())
			if err != nil {
				return err
			}
			path := flags.configPath
			if path == "" {
				path = filepath.Join(cfg.DataDir, "config.toml")
			}
			if err := config.WriteFile(path, cfg, force); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func addManifestFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("file", "f", nil, "Manifest file (repeatable)")
	cmd.Flags().String("dir", "", "Manifest directory (default from config)")
}

func manifestsFromFlags(cmd *cobra.Command, cfg *config.Config, args []string) ([]*manifest.Manifest, error) {
	files, _ := cmd.Flags().GetStringSlice("file")
	dir, _ := cmd.Flags().GetString("dir")
	paths := append(files, args...)
	if dir != "" && len(paths) == 0 {
		return loadManifests(&config.Config{ManifestDir: dir}, nil)
	}
	return loadManifests(cfg, paths)
}

// loadManifests reads the given files, or every manifest in the configured
// directory when none are given.
func loadManifests(cfg *config.Config, paths []string) ([]*manifest.Manifest, error) {
	var out []*manifest.Manifest
	if len(paths) == 0 {
		all, err := manifest.LoadAll([]string{cfg.ManifestDir})
		if err != nil {
			return nil, err
		}
		out = all
	}
	for _, path := range paths {
		m, err := manifest.Parse(path)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	for _, m := range out {
		if err := manifest.Validate(m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func ingestRequest(m *manifest.Manifest) orchestrator.IngestRequest {
	return orchestrator.IngestRequest{
		ProjectID:     m.ID,
		Name:          m.Name,
		Endpoints:     m.Endpoints,
		TargetBaseURL: m.TargetBaseURL,
	}
}
