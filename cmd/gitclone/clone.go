package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/NicabarNimble/go-gitclone/internal/config"
	"github.com/NicabarNimble/go-gitclone/internal/git"
	"github.com/NicabarNimble/go-gitclone/internal/logger"
	"github.com/NicabarNimble/go-gitclone/internal/metrics"
	"github.com/NicabarNimble/go-gitclone/internal/progress"
	"github.com/NicabarNimble/go-gitclone/internal/token"
)

// cloneFunc allows for mocking in tests
var cloneFunc = git.CloneRepository

type cloneOptions struct {
	configFile  string
	branch      string
	remote      string
	bare        bool
	noCheckout  bool
	branches    []string
	username    string
	password    string
	timeout     string
	retries     int
	insecure    bool
	knownHosts  string
	identity    string
	noTags      bool
	tokenFile   string
	lockWait    time.Duration
	metricsFile string
	quiet       bool
}

func newCloneCmd() *cobra.Command {
	opts := &cloneOptions{}

	cmd := &cobra.Command{
		Use:   "clone <uri> [destination]",
		Short: "Clone a repository",
		Long: `Clone a repository into a new directory.

Flags override values read from --config. Without credentials on the
command line or in the config file, a token for the remote host is
looked up in --token-file and then in the GIT_TOKEN_<HOST> environment
variable.`,
		Example: `  gitclone clone https://github.com/owner/repo.git
  gitclone clone git@github.com:owner/repo.git --branch main --branches main,dev
  gitclone clone https://example.com/repo.git /srv/mirror.git --bare
  gitclone clone --config plan.yaml https://example.com/repo.git`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := opts.plan(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return runClone(cmd, plan, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "YAML clone plan to start from")
	f.StringVarP(&opts.branch, "branch", "b", config.DefaultBranch, "Branch to check out and track")
	f.StringVar(&opts.remote, "remote", config.DefaultRemoteName, "Name of the remote")
	f.BoolVar(&opts.bare, "bare", false, "Create a bare repository")
	f.BoolVar(&opts.noCheckout, "no-checkout", false, "Do not check out the working tree")
	f.StringSliceVar(&opts.branches, "branches", nil, "Only fetch these branches (comma separated)")
	f.StringVar(&opts.username, "username", "", "Username for authentication")
	f.StringVar(&opts.password, "password", "", "Password or token for authentication")
	f.StringVar(&opts.timeout, "timeout", config.DefaultTimeout, "Give up after this long (0 for no limit)")
	f.IntVar(&opts.retries, "retries", config.DefaultRetries, "Retries after transient transport failures")
	f.BoolVar(&opts.insecure, "insecure-ignore-host-key", false, "Skip SSH host key verification")
	f.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file for SSH host key verification")
	f.StringVarP(&opts.identity, "identity-file", "i", "", "SSH private key")
	f.BoolVar(&opts.noTags, "no-tags", false, "Do not create tag refs")
	f.StringVar(&opts.tokenFile, "token-file", "", "YAML file mapping host names to access tokens")
	f.DurationVar(&opts.lockWait, "lock-wait", 0, "Wait this long for a concurrent clone into the same destination")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not report progress")

	return cmd
}

// plan builds the clone plan: defaults, then the config file, then every
// flag that was set explicitly, then the positional arguments.
func (o *cloneOptions) plan(flags *pflag.FlagSet, args []string) (*config.ClonePlan, error) {
	plan := config.DefaultPlan()
	if o.configFile != "" {
		loaded, err := config.LoadPlan(o.configFile)
		if err != nil {
			return nil, err
		}
		plan = loaded
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("branch", func() { plan.Branch = o.branch })
	set("remote", func() { plan.RemoteName = o.remote })
	set("bare", func() { plan.Bare = o.bare })
	set("no-checkout", func() { plan.Checkout = !o.noCheckout })
	set("branches", func() { plan.SetBranchesToClone(o.branches...) })
	set("username", func() { plan.Credentials.Username = o.username })
	set("password", func() { plan.Credentials.Password = o.password })
	set("timeout", func() { plan.Timeout = o.timeout })
	set("retries", func() { plan.Retries = o.retries })
	set("insecure-ignore-host-key", func() { plan.InsecureIgnoreHostKey = o.insecure })
	set("known-hosts", func() { plan.KnownHostsFile = o.knownHosts })
	set("identity-file", func() { plan.IdentityFile = o.identity })
	set("no-tags", func() { plan.Tags = !o.noTags })

	plan.URI = args[0]
	if len(args) > 1 {
		plan.DestinationPath = args[1]
	}
	if plan.DestinationPath == "" {
		dest, err := config.DefaultDestination(plan.URI, plan.Bare)
		if err != nil {
			return nil, err
		}
		plan.DestinationPath = dest
	}
	return plan, nil
}

func runClone(cmd *cobra.Command, plan *config.ClonePlan, opts *cloneOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	tokens, err := tokenStorage(opts.tokenFile)
	if err != nil {
		return err
	}
	defer tokens.Close(ctx)

	m := metrics.New()
	cloneOpts := git.CloneOptions{
		Metrics:  m,
		Tokens:   tokens,
		LockWait: opts.lockWait,
	}
	if !opts.quiet {
		cloneOpts.Progress = progress.NewConsoleTracker(cmd.ErrOrStderr())
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Cloning into '%s'...\n", plan.DestinationPath)
	res, err := cloneFunc(ctx, plan, cloneOpts)
	writeMetrics(m, opts.metricsFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cloned %s into %s\n", plan.URI, res.Destination)
	fmt.Fprintf(out, "  HEAD:    %s (%s)\n", res.Head, res.Branch)
	fmt.Fprintf(out, "  objects: %d (%d bytes)\n", res.Objects, res.PackBytes)
	fmt.Fprintf(out, "  refs:    %d\n", len(res.Refs))
	fmt.Fprintf(out, "  files:   %d (checkout %s)\n", res.Files, res.Checkout)
	return nil
}

func writeMetrics(m *metrics.Metrics, path string) {
	if path == "" {
		return
	}
	if err := m.WriteToTextfile(path); err != nil {
		logger.Log.WithError(err).WithField("path", path).Warn("failed to write metrics")
	}
}

// tokenStorage returns the token sources for a clone: the token file, if
// any, ahead of the environment.
func tokenStorage(file string) (token.Storage, error) {
	if file == "" {
		return token.NewEnvStorage(), nil
	}
	fromFile, err := token.LoadFile(file)
	if err != nil {
		return nil, err
	}
	return token.Chain{fromFile, token.NewEnvStorage()}, nil
}
