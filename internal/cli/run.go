package cli

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ralphcore/ralph/internal/registry"
	"github.com/spf13/cobra"
)

var (
	runChangeID      string
	runProjectPath   string
	runProjectName   string
	runCheckCommand  string
	runPreCheckCmd   string
	runMaxIterations int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit, inspect, and stop runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Submit a new run against the shared registry",
	Long: `start inserts a new running row into the run registry. A ralphd
daemon watching the same registry admits it on its next sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runChangeID == "" {
			return fmt.Errorf("--change is required")
		}
		if runProjectPath == "" {
			return fmt.Errorf("--project is required")
		}
		reg, err := registry.Open(registryPath())
		if err != nil {
			return err
		}
		defer reg.Close()

		name := runProjectName
		if name == "" {
			name = filepath.Base(runProjectPath)
		}
		id := uuid.NewString()
		cfg := registry.ProjectConfig{
			Name:            name,
			Path:            runProjectPath,
			CheckCommand:    runCheckCommand,
			PreCheckCommand: runPreCheckCmd,
		}
		if err := reg.CreateRun(id, runChangeID, cfg, runMaxIterations); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		fmt.Println(id)
		return nil
	},
}

var runStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Mark a run stopped",
	Long: `stop sets a run's status to stopped. A daemon currently driving
that run notices on its next loop iteration and exits without marking the
run failed or completed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(registryPath())
		if err != nil {
			return err
		}
		defer reg.Close()

		if err := reg.UpdateStatus(args[0], registry.StatusStopped); err != nil {
			return fmt.Errorf("stop run %s: %w", args[0], err)
		}
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status, or every run if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(registryPath())
		if err != nil {
			return err
		}
		defer reg.Close()

		if len(args) == 1 {
			run, err := reg.GetRun(args[0])
			if err != nil {
				return fmt.Errorf("get run %s: %w", args[0], err)
			}
			printRun(run)
			return nil
		}

		runs, err := reg.ListRuns()
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		for _, run := range runs {
			printRun(run)
		}
		return nil
	},
}

func printRun(run *registry.Run) {
	fmt.Printf("%s\t%s\tchange=%s\titeration=%d/%d\ttask=%s\n",
		run.ID, run.Status, run.ChangeID, run.CurrentIteration, run.MaxIterations, run.LastTaskID)
}

func init() {
	runStartCmd.Flags().StringVar(&runChangeID, "change", "", "OpenSpec change id to drive (required)")
	runStartCmd.Flags().StringVar(&runProjectPath, "project", "", "absolute path to the project repository (required)")
	runStartCmd.Flags().StringVar(&runProjectName, "name", "", "project display name (defaults to the project directory's base name)")
	runStartCmd.Flags().StringVar(&runCheckCommand, "check-command", "", "shell command the quality gate runs after each iteration")
	runStartCmd.Flags().StringVar(&runPreCheckCmd, "pre-check-command", "", "shell command stored in the run's project config; the engine does not run it")
	runStartCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 50, "iteration budget for this run")

	runCmd.AddCommand(runStartCmd, runStopCmd, runStatusCmd)
	rootCmd.AddCommand(runCmd)
}
