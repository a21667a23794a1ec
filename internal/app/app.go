package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/rajbos/copilot-usage-sync/internal/config"
	"github.com/rajbos/copilot-usage-sync/internal/credentials"
	"github.com/rajbos/copilot-usage-sync/internal/identity"
	"github.com/rajbos/copilot-usage-sync/internal/observability"
	"github.com/rajbos/copilot-usage-sync/internal/queryservice"
	"github.com/rajbos/copilot-usage-sync/internal/rollup"
	"github.com/rajbos/copilot-usage-sync/internal/sharing"
	"github.com/rajbos/copilot-usage-sync/internal/syncengine"
	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
)

// App is the composed service container: it owns the sharing state and fronts
// the sync engine, query service, and credential operations for the HTTP
// surface and the binaries.
type App struct {
	cfg       *config.Config
	store     tablestore.Client
	secrets   *credentials.SecretStore
	validator *credentials.Validator
	engine    *syncengine.Engine
	query     *queryservice.Service
	obs       *observability.Provider
	clock     quartz.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	sharing sharing.State
}

// Options wires an App. Store and Clock are injectable for tests; when Store
// is nil a real table client is built from the configuration.
type Options struct {
	Config  *config.Config
	Store   tablestore.Client
	Secrets *credentials.SecretStore
	Clock   quartz.Clock
	Obs     *observability.Provider
}

// New composes the container from validated configuration.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = credentials.NewSecretStore()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = buildStore(cfg, secrets)
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:       cfg,
		store:     store,
		secrets:   secrets,
		validator: credentials.NewValidator(store, cfg.DatasetID),
		obs:       opts.Obs,
		clock:     clock,
		logger:    slog.Default().With(slog.String("component", "app")),
		sharing:   sharing.State{Profile: cfg.Profile()},
	}

	source := rollup.NewCacheFileSource(filepath.Join(cfg.Sessions.Dir, rollup.SummaryCacheName))
	builder := rollup.NewBuilder(source, rollup.Environment{
		DatasetID:     cfg.DatasetID,
		WorkspaceID:   cfg.Workspace.ID,
		WorkspaceName: cfg.Workspace.Name,
		MachineID:     cfg.Machine.ID,
		MachineName:   cfg.Machine.Name,
	})

	engine, err := syncengine.New(syncengine.Options{
		DatasetID:    cfg.DatasetID,
		LookbackDays: cfg.Sync.LookbackDays,
		Interval:     cfg.Sync.Interval,
		BatchTimeout: cfg.Sync.BatchTimeout,
		Validator:    a.validator,
		Builder:      builder,
		Lister:       rollup.NewFSLister(cfg.Sessions.Dir),
		Store:        store,
		Identity:     a.resolveIdentity,
		SharingState: a.SharingState,
		Clock:        clock,
		Obs:          opts.Obs,
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine
	a.query = queryservice.New(store, cfg.DatasetID, clock, opts.Obs)
	return a, nil
}

// buildStore constructs the table client for the configured auth mode. With
// sharing off and no account configured there is nothing remote to talk to;
// an in-memory store keeps local queries answering.
func buildStore(cfg *config.Config, secrets *credentials.SecretStore) (tablestore.Client, error) {
	if cfg.Profile() == sharing.ProfileOff && strings.TrimSpace(cfg.Storage.Account) == "" {
		return tablestore.NewMemClient(), nil
	}
	endpoint := cfg.StorageEndpoint()
	switch cfg.AuthMode() {
	case credentials.AuthSharedKey:
		key, err := secrets.SharedKey(cfg.Storage.Account)
		if err != nil {
			return nil, fmt.Errorf("shared key for account %s: %w", cfg.Storage.Account, err)
		}
		return tablestore.NewAzureClientWithSharedKey(endpoint, cfg.Storage.Table, cfg.Storage.Account, key)
	default:
		cred, err := credentials.NewTokenCredential()
		if err != nil {
			return nil, err
		}
		return tablestore.NewAzureClient(endpoint, cfg.Storage.Table, cred)
	}
}

// Engine exposes the sync engine for the scheduler loop.
func (a *App) Engine() *syncengine.Engine { return a.engine }

// resolveIdentity derives the user key fresh from stable inputs. The derived
// value is never persisted anywhere.
func (a *App) resolveIdentity(context.Context) (*identity.Key, error) {
	return identity.Resolve(a.cfg.IdentityMode(), identity.Context{
		TenantID:  a.cfg.Entra.TenantID,
		ObjectID:  a.cfg.Entra.ObjectID,
		DatasetID: a.cfg.DatasetID,
		Alias:     a.cfg.Sharing.TeamAlias,
	})
}

// UploadRollups runs one sync cycle. started is false when a cycle was
// already in flight and this trigger coalesced to a no-op.
func (a *App) UploadRollups(ctx context.Context) (report syncengine.CycleReport, started bool) {
	return a.engine.RunCycle(ctx)
}

// QueryAggregates answers a filtered aggregate query from the cached service.
func (a *App) QueryAggregates(ctx context.Context, filters queryservice.Filters) (queryservice.Result, error) {
	return a.query.Query(ctx, filters)
}

// SharingState returns the active profile and consent.
func (a *App) SharingState() sharing.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sharing
}

// SetSharingProfile applies a profile change. Widening disclosure requires a
// non-zero consent timestamp; narrowing always succeeds and clears it. Rows
// already uploaded are unaffected. Any change invalidates cached queries.
func (a *App) SetSharingProfile(next sharing.Profile, consentAt time.Time) (sharing.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, err := a.sharing.Transition(next, consentAt)
	if err != nil {
		return a.sharing, err
	}
	previous := a.sharing.Profile
	a.sharing = state
	a.query.Invalidate()
	a.logger.Info("sharing profile changed",
		slog.String("from", string(previous)),
		slog.String("to", string(next)))
	return state, nil
}

// DeleteUserData removes every row carrying the given user id from the
// configured dataset. Deletion is best effort: the count of removed rows is
// returned even when some deletions fail, alongside a PartialDeleteError.
func (a *App) DeleteUserData(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id is required")
	}
	filter, err := tablestore.NewFilter().
		Equals("DatasetId", a.cfg.DatasetID).
		Equals("UserId", userID).
		Build()
	if err != nil {
		return 0, err
	}
	deleted, err := a.store.DeleteWhere(ctx, filter)
	a.query.Invalidate()
	a.logger.Info("user data deletion finished",
		slog.String("user", userID),
		slog.Int("deleted", deleted))
	return deleted, err
}

// ProbeCredentials verifies write and delete permission with a canary entity.
func (a *App) ProbeCredentials(ctx context.Context) error {
	return a.validator.Probe(ctx)
}

// SetupRequest provisions the sync target. Subscription and resource group
// identify the account for the operator; provisioning the account itself is
// done out of band.
type SetupRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	ResourceGroup  string `json:"resourceGroup"`
	StorageAccount string `json:"storageAccount"`
	TableName      string `json:"tableName"`
	// SharedKey, when present, is written to the OS credential store and
	// never echoed back or persisted in configuration.
	SharedKey string `json:"sharedKey,omitempty"`
}

// Setup stores the shared key if one was supplied, creates the table if it
// does not exist, and probes effective permissions.
func (a *App) Setup(ctx context.Context, req SetupRequest) error {
	if req.StorageAccount != a.cfg.Storage.Account {
		return fmt.Errorf("storage account %q does not match configured account %q",
			req.StorageAccount, a.cfg.Storage.Account)
	}
	if req.SharedKey != "" {
		if err := a.secrets.StoreSharedKey(req.StorageAccount, req.SharedKey); err != nil {
			return err
		}
	}
	if err := a.store.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	if err := a.validator.Probe(ctx); err != nil {
		return err
	}
	a.logger.Info("setup complete",
		slog.String("account", req.StorageAccount),
		slog.String("table", a.cfg.Storage.Table))
	return nil
}

// StatusReport is the daemon status consumed by the local HTTP surface.
type StatusReport struct {
	DatasetID    string                 `json:"datasetId"`
	Profile      sharing.Profile        `json:"profile"`
	State        syncengine.State       `json:"state"`
	Cycles       int                    `json:"cycles"`
	LastCycle    syncengine.CycleReport `json:"lastCycle"`
	SyncInterval string                 `json:"syncInterval"`
}

// Status summarizes the engine and sharing state.
func (a *App) Status() StatusReport {
	state, last, cycles := a.engine.Status()
	return StatusReport{
		DatasetID:    a.cfg.DatasetID,
		Profile:      a.SharingState().Profile,
		State:        state,
		Cycles:       cycles,
		LastCycle:    last,
		SyncInterval: a.cfg.Sync.Interval.String(),
	}
}
