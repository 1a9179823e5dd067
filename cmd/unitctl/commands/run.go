package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/unitctl/pkg/changeset"
	"github.com/openfroyo/unitctl/pkg/discovery"
	"github.com/openfroyo/unitctl/pkg/engine"
	"github.com/openfroyo/unitctl/pkg/orchestrator"
)

var runDescriptions = map[orchestrator.Command]struct {
	short string
	long  string
}{
	orchestrator.CommandDiscover: {
		short: "List the deployment units affected by a change set",
		long: `Resolve a change set into deployment units and derive their backend keys.

Every variable file in a touched project directory becomes its own unit.
Paths outside the deployment root or with another extension are ignored.`,
	},
	orchestrator.CommandValidate: {
		short: "Run pre-flight checks on affected units",
		long: `Discover the affected units and run the local pre-flight checks:
syntax, region legality and consistency, account consistency, required
fields, formatting, schema and custom Starlark checks. No network calls.`,
	},
	orchestrator.CommandPlan: {
		short: "Validate and plan affected units, then evaluate policy",
		long: `Discover, validate and plan every affected unit and evaluate each plan
against the policy gate. Plans that destroy or replace resources in a
production unit are blocked.`,
	},
	orchestrator.CommandApply: {
		short: "Validate, plan, evaluate policy and apply affected units",
		long: `Take every affected unit through validation, plan and the policy gate and
apply the units that passed. State is backed up before every apply and
restored when an apply fails after changing it.`,
	},
}

func newRunCommand(command orchestrator.Command) *cobra.Command {
	var (
		changedFiles string
		base         string
		head         string
		all          bool
		dryRun       bool
		accounts     []string
		regions      []string
		environments []string
	)

	desc := runDescriptions[command]
	cmd := &cobra.Command{
		Use:   string(command) + " [paths...]",
		Short: desc.short,
		Long:  desc.long,
		Example: fmt.Sprintf(`  # Units touched by explicit paths
  unitctl %[1]s deployments/acme-dev/us-east-1/payments/terraform.tfvars

  # Units touched by a pull request
  unitctl %[1]s --base origin/main --head HEAD

  # Change set from a file, one path per line ("-" reads stdin)
  git diff --name-only origin/main | unitctl %[1]s --changed-files -

  # Every production unit in one region
  unitctl %[1]s --all --environment production --region us-east-1`, command),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			opts := orchestrator.RunOptions{
				Command: command,
				All:     all,
				DryRun:  dryRun,
				Filters: discovery.Filters{
					Accounts: accounts,
					Regions:  regions,
				},
			}
			for _, e := range environments {
				env, ok := engine.ParseEnvironment(e)
				if !ok {
					return fmt.Errorf("unknown environment %q", e)
				}
				opts.Filters.Environments = append(opts.Filters.Environments, env)
			}

			if !all {
				paths, err := changeset.Resolve(ctx, changeset.Input{
					Paths:   args,
					File:    changedFiles,
					Base:    base,
					Head:    head,
					RepoDir: rootDir,
				}, osfs.New("."), os.Stdin)
				if errors.Is(err, changeset.ErrNoInput) {
					return fmt.Errorf("no change set: pass paths, --changed-files, --base/--head or --all")
				}
				if err != nil {
					return err
				}
				opts.ChangedPaths = paths
			}

			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(cmd, rt)

			log.Debug().
				Str("command", string(command)).
				Int("changed_paths", len(opts.ChangedPaths)).
				Bool("all", all).
				Bool("dry_run", dryRun).
				Msg("Starting run")

			report, runErr := rt.Orchestrator.Run(ctx, opts)
			if report != nil {
				if err := printReport(cmd.OutOrStdout(), report, rt.ArtifactsDir()); err != nil {
					return err
				}
			}
			if runErr != nil {
				if errors.Is(runErr, engine.ErrRestoreFailed) {
					log.Error().Msg("State restore failed. Inspect the backups with 'unitctl state backups --key <key>' and restore manually.")
				}
				return runErr
			}
			if report.ExitCode() != 0 {
				return ErrUnitsFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&changedFiles, "changed-files", "", `file listing changed paths, one per line ("-" for stdin)`)
	cmd.Flags().StringVar(&base, "base", "", "git ref to diff from")
	cmd.Flags().StringVar(&head, "head", "", "git ref to diff to (default HEAD when --base is set)")
	cmd.Flags().BoolVar(&all, "all", false, "process every unit under the deployment root")
	cmd.Flags().StringSliceVar(&accounts, "account", nil, "only units of these accounts")
	cmd.Flags().StringSliceVar(&regions, "region", nil, "only units in these regions")
	cmd.Flags().StringSliceVar(&environments, "environment", nil, "only units of these environments")
	if command == orchestrator.CommandPlan || command == orchestrator.CommandApply {
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after discovery and validation")
	}
	cmd.MarkFlagsMutuallyExclusive("all", "changed-files")
	cmd.MarkFlagsMutuallyExclusive("all", "base")

	return cmd
}
