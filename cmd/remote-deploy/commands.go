package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jvreagan/remote-deploy/pkg/clock"
	"github.com/jvreagan/remote-deploy/pkg/deploy"
	"github.com/jvreagan/remote-deploy/pkg/logging"
	"github.com/jvreagan/remote-deploy/pkg/manifest"
	"github.com/jvreagan/remote-deploy/pkg/provider"
	"github.com/jvreagan/remote-deploy/pkg/types"
	"github.com/jvreagan/remote-deploy/pkg/vault"
)

type providerFactory func(ctx context.Context, m *manifest.Manifest, clk clock.Clock) (provider.Provider, error)

type secretResolver func(ctx context.Context, config *vault.Config, refs []vault.SecretRef) ([]string, error)

// app holds what the commands share. Tests replace the factory and clock.
type app struct {
	out    io.Writer
	errOut io.Writer

	newProvider    providerFactory
	resolveSecrets secretResolver
	clock          clock.Clock

	global globalOptions
}

type globalOptions struct {
	manifestFile string
	envFile      string
	debug        bool
	logFormat    string
}

// deployOptions mirror the flags of the deploy command. Set flags override
// the manifest.
type deployOptions struct {
	repository   string
	typescript   bool
	frontend     bool
	title        string
	instanceType string
	instanceID   string
	env          []string
	verify       bool
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:            out,
		errOut:         errOut,
		newProvider:    provider.Factory,
		resolveSecrets: vault.Resolve,
		clock:          clock.Real{},
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "remote-deploy",
		Short: "Deploy a Node.js project from git onto an EC2 instance",
		Long: `remote-deploy launches (or reuses) an EC2 instance and drives it through
AWS Systems Manager: it installs the toolchain, clones the repository,
writes the .env file and starts the project as a backend under pm2 or
serves its build output as a frontend behind nginx.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.global.manifestFile, "manifest", "", "Path to deployment manifest file (optional)")
	flags.StringVar(&a.global.envFile, "env-file", ".env", "Load AWS_* settings from this dotenv file when it exists")
	flags.BoolVar(&a.global.debug, "debug", os.Getenv("REMOTE_DEPLOY_DEBUG") == "true", "Enable debug logging")
	flags.StringVar(&a.global.logFormat, "log-format", "json", "Log format: json or text")

	root.AddCommand(a.deployCmd(), a.statusCmd(), a.whoamiCmd(), a.versionCmd())
	return root
}

// setup loads the dotenv file and configures logging.
func (a *app) setup() error {
	if a.global.envFile != "" {
		if _, err := os.Stat(a.global.envFile); err == nil {
			if err := godotenv.Load(a.global.envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", a.global.envFile, err)
			}
		}
	}
	logging.Configure(a.errOut, a.global.debug, a.global.logFormat)
	return nil
}

func (a *app) deployCmd() *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a repository to a new or existing instance",
		Example: `  remote-deploy deploy -r https://github.com/acme/api.git --ts -e PORT=3000
  remote-deploy deploy -r https://github.com/acme/site.git --frontend -i i-0abc123
  remote-deploy deploy --manifest deploy-manifest.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDeploy(cmd.Context(), cmd.Flags(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.repository, "repo", "r", "", "Git repository URL to deploy")
	f.BoolVar(&opts.typescript, "ts", false, "Compile with tsc before starting (typescript project)")
	f.BoolVar(&opts.frontend, "frontend", false, "Build static assets and serve them with nginx")
	f.StringVarP(&opts.title, "title", "t", "", "Name tag for a new instance")
	f.StringVar(&opts.instanceType, "it", "", "Instance type for a new instance (default t2.micro)")
	f.StringVarP(&opts.instanceID, "instance-id", "i", "", "Deploy onto this existing instance")
	f.StringArrayVarP(&opts.env, "env", "e", nil, "KEY=VALUE written to the project's .env (repeatable)")
	f.BoolVar(&opts.verify, "verify", false, "Run a best-effort check after deploying")
	return cmd
}

// loadManifest reads the manifest file when given, otherwise starts from
// the environment.
func (a *app) loadManifest() (*manifest.Manifest, error) {
	var m *manifest.Manifest
	if a.global.manifestFile != "" {
		var err error
		if m, err = manifest.Read(a.global.manifestFile); err != nil {
			return nil, err
		}
	} else {
		m = &manifest.Manifest{Version: "1.0"}
	}
	m.ApplyEnvironment()
	return m, nil
}

// applyFlags copies explicitly set flags onto the manifest.
func applyFlags(m *manifest.Manifest, flags *pflag.FlagSet, opts deployOptions) {
	if flags.Changed("repo") {
		m.Project.Repository = opts.repository
	}
	if flags.Changed("ts") {
		m.Project.Flavor = string(deploy.FlavorJavaScript)
		if opts.typescript {
			m.Project.Flavor = string(deploy.FlavorTypeScript)
		}
	}
	if flags.Changed("frontend") {
		m.Project.Role = string(deploy.RoleBackend)
		if opts.frontend {
			m.Project.Role = string(deploy.RoleFrontend)
		}
	}
	if flags.Changed("title") {
		m.Instance.Title = opts.title
	}
	if flags.Changed("it") {
		m.Instance.Type = opts.instanceType
	}
	if flags.Changed("instance-id") {
		m.Instance.ID = opts.instanceID
	}
	if flags.Changed("verify") {
		m.Project.Verify = opts.verify
	}
	m.EnvironmentVariables = append(m.EnvironmentVariables, opts.env...)
}

func (a *app) runDeploy(ctx context.Context, flags *pflag.FlagSet, opts deployOptions) error {
	m, err := a.loadManifest()
	if err != nil {
		return err
	}
	applyFlags(m, flags, opts)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p, err := a.newProvider(ctx, m, a.clock)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	identity, err := p.CallerIdentity(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}
	logging.Info("Deploying as", "account", identity.Account, "arn", identity.ARN)

	req := m.Request()
	vaultConfig, refs := vault.FromManifest(m)
	secrets, err := a.resolveSecrets(ctx, vaultConfig, refs)
	if err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	req.Environment = append(req.Environment, secrets...)

	options := m.Timeouts.Options()
	options.Clock = a.clock
	options.OnTransition = func(from, to deploy.State) {
		fmt.Fprintf(a.out, "%s %s\n", color.CyanString("→"), to)
	}

	if req.ExistingNodeID != "" {
		fmt.Fprintf(a.out, "Deploying %s to %s...\n", m.Project.Name(), req.ExistingNodeID)
	} else {
		fmt.Fprintf(a.out, "Deploying %s to a new %s instance...\n", m.Project.Name(), instanceTypeOrDefault(req.InstanceType))
	}

	result, err := p.Orchestrator(options).Deploy(ctx, req)
	if err != nil {
		a.printFailure(err)
		return fmt.Errorf("deployment failed")
	}
	a.printResult(result)
	return nil
}

func instanceTypeOrDefault(t string) string {
	if t == "" {
		return deploy.DefaultInstanceType
	}
	return t
}

func (a *app) printResult(result *types.DeploymentResult) {
	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(a.out, "✓ Deployment successful!\n")
	fmt.Fprintf(a.out, "  Project: %s (%s)\n", result.ProjectName, result.Role)
	fmt.Fprintf(a.out, "  Instance: %s\n", result.NodeID)
	fmt.Fprintf(a.out, "  Address: %s\n", result.Address)
	fmt.Fprintf(a.out, "  Run: %s (%s)\n", result.RunID, result.FinishedAt.Sub(result.StartedAt).Round(time.Second))

	for _, s := range result.IgnoredFailures() {
		fmt.Fprintf(a.out, "  %s %s failed (ignored): %s\n", color.YellowString("!"), s.Name, s.Error)
	}
}

func (a *app) printFailure(err error) {
	red := color.New(color.FgRed, color.Bold)

	var deployErr *deploy.DeployError
	if !errors.As(err, &deployErr) {
		red.Fprintf(a.errOut, "✗ %v\n", err)
		return
	}

	red.Fprintf(a.errOut, "✗ Deployment failed at %s\n", deployErr.Stage)
	fmt.Fprintf(a.errOut, "  Completed: %s\n", deployErr.Completed)
	if deployErr.NodeID != "" {
		fmt.Fprintf(a.errOut, "  Instance: %s (left running)\n", deployErr.NodeID)
	}
	fmt.Fprintf(a.errOut, "  Reason: %s\n", logging.SanitizeString(deployErr.Err.Error()))
}

func (a *app) statusCmd() *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state and address of an instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.loadManifest()
			if err != nil {
				return err
			}
			if instanceID == "" {
				instanceID = m.Instance.ID
			}
			if instanceID == "" {
				return fmt.Errorf("an instance ID is required (-i or instance.id)")
			}
			if err := m.ValidateProvider(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			p, err := a.newProvider(cmd.Context(), m, a.clock)
			if err != nil {
				return fmt.Errorf("failed to create provider: %w", err)
			}
			status, err := p.Status(cmd.Context(), instanceID)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			fmt.Fprintf(a.out, "Instance Status:\n")
			fmt.Fprintf(a.out, "  Instance: %s\n", status.NodeID)
			if status.Title != "" {
				fmt.Fprintf(a.out, "  Title: %s\n", status.Title)
			}
			fmt.Fprintf(a.out, "  State: %s\n", status.State)
			fmt.Fprintf(a.out, "  Type: %s\n", status.InstanceType)
			fmt.Fprintf(a.out, "  Address: %s\n", status.Address)
			if !status.LaunchTime.IsZero() {
				fmt.Fprintf(a.out, "  Launched: %s\n", status.LaunchTime.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&instanceID, "instance-id", "i", "", "Instance to describe")
	return cmd
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the AWS identity remote-deploy will act as",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.loadManifest()
			if err != nil {
				return err
			}
			if err := m.ValidateProvider(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			p, err := a.newProvider(cmd.Context(), m, a.clock)
			if err != nil {
				return fmt.Errorf("failed to create provider: %w", err)
			}
			id, err := p.CallerIdentity(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Account: %s\n", id.Account)
			fmt.Fprintf(a.out, "ARN: %s\n", id.ARN)
			fmt.Fprintf(a.out, "Region: %s\n", m.Provider.Region)
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "remote-deploy version %s\n", version)
			fmt.Fprintf(a.out, "  commit: %s\n", commit)
			fmt.Fprintf(a.out, "  built: %s\n", date)
		},
	}
}
