package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/paneflow/paneflow/internal/batch"
	"github.com/paneflow/paneflow/internal/breaker"
	"github.com/paneflow/paneflow/internal/config"
	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/events"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/navsync"
	"github.com/paneflow/paneflow/internal/negotiate"
	"github.com/paneflow/paneflow/internal/notify"
	"github.com/paneflow/paneflow/internal/progress"
	"github.com/paneflow/paneflow/internal/session"
	"github.com/paneflow/paneflow/internal/state"
	"github.com/paneflow/paneflow/internal/transfer"
)

// app is the engine wired for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      *events.EventBus
	queue    *transfer.Queue
	sessions *session.Manager
	runner   *batch.Runner
	notifier *notify.Notifier
	prompter *Prompter // nil when stdin is not a terminal
}

type appOptions struct {
	policy      negotiate.Policy
	interactive bool
}

func newApp(cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	dialer, err := session.NewDialer(&cfg.Proxy, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewEventBus(constants.EventBusDefaultBuffer),
		notifier: notify.NewNotifier(cfg.Notifications, logger),
	}
	a.queue = transfer.NewQueue(a.bus)

	// Typed nils must not leak into the engine's interfaces.
	var (
		files   negotiate.Prompter
		folders negotiate.FolderPrompter
		resume  breaker.ResumePrompter
		missing navsync.MissingPrompter
	)
	if opts.interactive {
		a.prompter = NewPrompter(os.Stdin, os.Stderr)
		files, folders, resume, missing = a.prompter, a.prompter, a.prompter, a.prompter
	}
	decider := negotiate.PolicyDecider{Policy: opts.policy, Fallback: files, Folders: folders}

	a.sessions = session.NewManager(session.Options{
		Remote:   state.NewPanel(state.Remote, a.bus),
		Local:    state.NewPanel(state.Local, a.bus),
		Dial:     dialer.Dial,
		NavSync:  navsync.New(a.bus, missing, logger),
		EventBus: a.bus,
		Logger:   logger,
	})

	a.runner = batch.NewRunner(batch.Options{
		Queue:   a.queue,
		Remote:  a.sessions,
		Local:   a.sessions.LocalAdapter(),
		Breaker: breaker.New(cfg.Breaker.Threshold),
		Gate:    breaker.NewGate(a.bus, a.notifier.Pauses(), resume),
		Backoff: breaker.Backoff{
			Base: cfg.RetryBaseDelay(),
			Max:  cfg.RetryMaxDelay(),
		},
		Files:             decider,
		Folders:           decider,
		MaxRetriesPerFile: cfg.Transfer.MaxRetriesPerFile,
		MaxResumeAttempts: cfg.Breaker.MaxResumeAttempts,
		Notifier:          a.notifier.Summaries(),
		EventBus:          a.bus,
		Logger:            logger,
	})
	a.sessions.SetGuard(a.runner)
	return a, nil
}

// connect opens the remote side of t, asking for a password when one is needed.
func (a *app) connect(ctx context.Context, t target, localDir string) error {
	params := t.params
	if needsPassword(params) {
		if a.prompter == nil {
			return fmt.Errorf("%s needs a password: set PANEFLOW_PASSWORD", params.DisplayName())
		}
		pw, err := a.prompter.ReadPassword("Password for " + params.DisplayName())
		if err != nil {
			return err
		}
		params = withPassword(params, pw)
	}
	if _, err := a.sessions.Connect(ctx, "", params, localDir); err != nil {
		return err
	}
	return nil
}

// run executes reqs with a progress display attached.
func (a *app) run(ctx context.Context, reqs []batch.Request) (*batch.Report, error) {
	display := progress.New(len(reqs))
	stop := progress.Follow(a.bus, display)

	setActiveRunner(a.runner)
	report, err := a.runner.Run(ctx, reqs)
	setActiveRunner(nil)

	stop()
	display.Wait()
	return report, err
}

func (a *app) close() {
	if err := a.sessions.DisconnectAll(); err != nil {
		a.logger.Debug().Err(err).Msg("disconnect")
	}
	a.sessions.Wait()
	a.bus.Close()
}
