// Package deployment implements the Deployment Record and Deployment
// Manager: the core of this control plane. Grounded on the old
// orchestrator's state handling and the worker's per-job pipeline, the
// container lifecycle is replaced throughout with the tenant package's
// pluggable ArtifactHandle, and the RabbitMQ-consumer worker model is
// replaced by an in-process per-project goroutine the Manager itself
// spawns and supervises.
package deployment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deployctl/internal/build"
	"deployctl/internal/eventlog"
	"deployctl/internal/factory"
	"deployctl/internal/mq"
	"deployctl/internal/portalloc"
	"deployctl/internal/provisioner"
	"deployctl/internal/router"
	"deployctl/internal/tenant"
)

// ArchiveStore is the subset of storage.ArchiveStore the Manager needs: a
// place to archive the raw uploaded source bytes for a deployment,
// independent of the Build System's own working copy.
type ArchiveStore interface {
	Store(ctx context.Context, project, deploymentID string, data []byte) error
}

// ConcurrencyLimiter is the subset of security.RateLimiter the Manager
// needs to release a project's concurrent-deployment slot once its worker
// finishes, mirroring the increment the API Adapter takes at submission
// time. Optional collaborator: a Manager built without one simply skips
// the release.
type ConcurrencyLimiter interface {
	DecrementConcurrentDeployments(ctx context.Context, project string) error
}

// EventPublisher is the subset of mq.Publisher the Manager needs to
// broadcast lifecycle transitions onto the ambient event bus. Both fields
// are optional collaborators: a Manager built without them simply skips
// archiving/publishing, which keeps the existing unit tests collaborator-free.
type EventPublisher interface {
	Publish(evt mq.Event)
}

// defaultStopTimeout bounds how long killRecord/unwindCancelled wait for a
// tenant to exit cleanly before giving up.
const defaultStopTimeout = 5 * time.Second

// Builder is the subset of build.System the Manager needs.
type Builder interface {
	Build(ctx context.Context, project string, archive io.Reader, sink build.Sink) (string, error)
	ArtifactPath(project string) string
}

// Provisioner is the subset of provisioner.Client the Manager needs.
type Provisioner interface {
	Provision(ctx context.Context, project, dbType string) (provisioner.DatabaseInfo, error)
	Teardown(ctx context.Context, project string) error
}

// Manager owns the authoritative project -> Deployment Record map and
// drives the worker pipeline. One Manager instance per control plane
// process; it is not distributed (per the Non-goal on horizontal
// scale-out) and its state does not survive a restart.
type Manager struct {
	fqdn string

	build       Builder
	provisioner Provisioner
	ports       *portalloc.Allocator
	loader      tenant.Loader
	router      *router.Router

	dbType string // the backing database engine a tenant declares; fixed per control plane for this scope

	archives ArchiveStore       // optional: archives raw uploaded source bytes
	events   EventPublisher     // optional: broadcasts lifecycle transitions
	limiter  ConcurrencyLimiter // optional: releases the API Adapter's per-project concurrency slot

	mu            sync.Mutex
	active        map[string]*Record       // project -> current record
	byID          map[uuid.UUID]*Record    // every record ever created, for get_by_id
	workerRunning map[string]chan struct{} // project -> closed when that project's worker goroutine exits

	slots chan struct{} // concurrency cap semaphore, capacity MAX_DEPLOYS

	logs map[uuid.UUID]*eventlog.Broker // per-deployment live log fan-out
	logsMu sync.Mutex
}

// Config bundles the Manager's collaborators.
type Config struct {
	ProxyFQDN   string
	MaxDeploys  int
	Build       Builder
	Provisioner Provisioner
	Ports       *portalloc.Allocator
	Loader      tenant.Loader
	Router      *router.Router
	DBType      string
	Archives    ArchiveStore       // optional
	Events      EventPublisher     // optional
	Limiter     ConcurrencyLimiter // optional
}

// New builds a Manager from its collaborators.
func New(cfg Config) *Manager {
	return &Manager{
		fqdn:          cfg.ProxyFQDN,
		build:         cfg.Build,
		provisioner:   cfg.Provisioner,
		ports:         cfg.Ports,
		loader:        cfg.Loader,
		router:        cfg.Router,
		dbType:        cfg.DBType,
		archives:      cfg.Archives,
		events:        cfg.Events,
		limiter:       cfg.Limiter,
		active:        make(map[string]*Record),
		byID:          make(map[uuid.UUID]*Record),
		workerRunning: make(map[string]chan struct{}),
		slots:         make(chan struct{}, cfg.MaxDeploys),
		logs:          make(map[uuid.UUID]*eventlog.Broker),
	}
}

// Deploy begins or replaces a deployment for project with the given
// archive bytes, read eagerly so the worker can run after this call
// returns. Inserts a QUEUED record and returns its meta immediately;
// the build/load pipeline runs in a background goroutine.
func (m *Manager) Deploy(ctx context.Context, project string, archive io.Reader) (Meta, error) {
	data, err := io.ReadAll(archive)
	if err != nil {
		return Meta{}, &InternalError{Cause: fmt.Errorf("reading archive: %w", err)}
	}

	m.mu.Lock()
	oldRecord := m.active[project]
	oldRunning := m.workerRunning[project]

	rec := newRecord(project)
	m.active[project] = rec
	m.byID[rec.ID] = rec
	done := make(chan struct{})
	m.workerRunning[project] = done
	m.mu.Unlock()

	m.logsMu.Lock()
	m.logs[rec.ID] = eventlog.NewBroker()
	m.logsMu.Unlock()

	m.publishEvent(rec, "deploy.queued", "")
	meta := rec.meta(m.fqdn)

	go m.runWorker(rec, oldRecord, oldRunning, data, done)

	return meta, nil
}

// GetByProject returns the current Deployment Record for project.
func (m *Manager) GetByProject(project string) (Meta, error) {
	m.mu.Lock()
	rec, ok := m.active[project]
	m.mu.Unlock()
	if !ok {
		return Meta{}, ErrNotFound
	}
	return rec.meta(m.fqdn), nil
}

// GetByID returns the Deployment Record with the given id, whether or not
// it is still the active one for its project.
func (m *Manager) GetByID(id uuid.UUID) (Meta, error) {
	m.mu.Lock()
	rec, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return Meta{}, ErrNotFound
	}
	return rec.meta(m.fqdn), nil
}

// LogBroker returns the live log broker for a deployment id, for the SSE
// streaming endpoint. Returns false if the id is unknown.
func (m *Manager) LogBroker(id uuid.UUID) (*eventlog.Broker, bool) {
	m.logsMu.Lock()
	defer m.logsMu.Unlock()
	b, ok := m.logs[id]
	return b, ok
}

// ActiveWorkerCount reports whether project currently has a deployment
// worker in flight: 1 if so, 0 otherwise. Per-project serialization means
// this is always 0 or 1; it's the "how many of this project's deployments
// are concurrently in progress" figure the API Adapter's quota check needs.
func (m *Manager) ActiveWorkerCount(project string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workerRunning[project]; ok {
		return 1
	}
	return 0
}

// ActivePortForHost resolves a hostname (as derived by Hostname) to its
// active tenant port through the Router, the same lookup the Reverse Proxy
// makes against the Router on every request.
func (m *Manager) ActivePortForHost(host string) (int, error) {
	port, err := m.router.Lookup(host)
	if err != nil {
		return 0, ErrNotFound
	}
	return port, nil
}

// KillByProject tears down the active deployment for project: removes its
// Router entry, stops its tenant, releases its port, and schedules its
// database for teardown via the Provisioner Client.
func (m *Manager) KillByProject(ctx context.Context, project string) (Meta, error) {
	m.mu.Lock()
	rec, ok := m.active[project]
	running := m.workerRunning[project]
	m.mu.Unlock()
	if !ok {
		return Meta{}, ErrNotFound
	}

	if running != nil {
		rec.markCancelled()
		<-running
	}

	m.killRecord(rec)

	if err := m.provisioner.Teardown(ctx, project); err != nil {
		log.Printf("⚠️ failed to tear down database for project %s: %v", project, err)
	}

	return rec.meta(m.fqdn), nil
}

// KillByID tears down the deployment with the given id, if it is still
// the active deployment for its project. An id belonging to a deployment
// that has already been superseded or deleted returns its last-observed
// meta without taking any further action.
func (m *Manager) KillByID(ctx context.Context, id uuid.UUID) (Meta, error) {
	m.mu.Lock()
	rec, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return Meta{}, ErrNotFound
	}

	m.mu.Lock()
	isActive := m.active[rec.Project] == rec
	running := m.workerRunning[rec.Project]
	m.mu.Unlock()

	if !isActive || rec.currentState() == StateDeleted {
		return rec.meta(m.fqdn), nil
	}

	if running != nil {
		rec.markCancelled()
		<-running
	}

	m.killRecord(rec)

	if err := m.provisioner.Teardown(ctx, rec.Project); err != nil {
		log.Printf("⚠️ failed to tear down database for project %s: %v", rec.Project, err)
	}

	return rec.meta(m.fqdn), nil
}

// killRecord removes the router entry, stops the tenant, and releases the
// port, in that order, matching the §9 design note on cyclic holding:
// the handle must be dropped before the port is released to avoid a
// double-bind on a fast redeploy.
func (m *Manager) killRecord(rec *Record) {
	if rec.currentState() == StateDeleted {
		return
	}

	host := Hostname(rec.Project, m.fqdn)
	m.router.Remove(host)

	if h := rec.takeHandle(); h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
		_ = h.Stop(ctx)
		cancel()
	}

	if port, ok := rec.currentPort(); ok {
		m.ports.Release(port)
		rec.clearPort()
	}

	rec.setState(StateDeleted, "")
	m.publishEvent(rec, "deploy.deleted", "")
}

// SetSecrets writes a batch of secrets into project's currently
// provisioned database. Per the spec's resolution of the "secrets without
// a database" open question, this is a no-op success when no database has
// been provisioned yet.
func (m *Manager) SetSecrets(ctx context.Context, project string, secrets map[string]string) (Meta, error) {
	m.mu.Lock()
	rec, ok := m.active[project]
	m.mu.Unlock()
	if !ok {
		return Meta{}, ErrNotFound
	}

	rec.mu.Lock()
	info := rec.database
	rec.mu.Unlock()

	if info != nil {
		for key, value := range secrets {
			if err := factory.WriteSecret(ctx, *info, key, value); err != nil {
				return Meta{}, &InternalError{Cause: err}
			}
		}
	}

	return rec.meta(m.fqdn), nil
}

// releaseConcurrencySlot releases the API Adapter's per-project concurrent-
// deployment counter once this worker is done, whatever the outcome
// (DEPLOYED, ERROR, or cancelled into DELETED), matching the increment
// taken unconditionally at submission time.
func (m *Manager) releaseConcurrencySlot(project string) {
	if m.limiter == nil {
		return
	}
	if err := m.limiter.DecrementConcurrentDeployments(context.Background(), project); err != nil {
		log.Printf("⚠️ failed to release concurrent-deployment slot for project %s: %v", project, err)
	}
}

func (m *Manager) forget(project string, done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workerRunning[project] == done {
		delete(m.workerRunning, project)
	}
}

// runWorker drives a single Deployment Record through the full pipeline
// in §4.5: QUEUED -> BUILDING -> BUILT -> LOADING -> DEPLOYED, with
// ERROR/DELETED exits at every step boundary. oldRecord/oldRunning
// describe whatever deployment this one is replacing, if any.
func (m *Manager) runWorker(rec, oldRecord *Record, oldRunning chan struct{}, archive []byte, done chan struct{}) {
	defer close(done)
	defer m.forget(rec.Project, done)
	defer m.releaseConcurrencySlot(rec.Project)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ panic in deployment worker for project %s: %v", rec.Project, r)
			rec.setState(StateError, "internal panic")
		}
	}()

	// Serialize behind any still-running worker for this project: await
	// its artifact handle release before proceeding, the atomic
	// replacement invariant.
	if oldRunning != nil {
		oldRecord.markCancelled()
		<-oldRunning
	}

	ctx := context.Background()

	if m.archives != nil {
		if err := m.archives.Store(ctx, rec.Project, rec.ID.String(), archive); err != nil {
			log.Printf("⚠️ failed to archive uploaded source for project %s: %v", rec.Project, err)
		}
	}

	if rec.isCancelled() {
		m.unwindCancelled(rec)
		return
	}

	// Step 2: acquire a concurrency-cap slot. The record stays QUEUED while
	// waiting for one, so a caller polling state can distinguish "waiting
	// its turn" from "actively building".
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		rec.setState(StateError, "cancelled while waiting for a slot")
		return
	}
	slotHeld := true
	releaseSlot := func() {
		if slotHeld {
			<-m.slots
			slotHeld = false
		}
	}
	defer releaseSlot()

	if rec.isCancelled() {
		releaseSlot()
		m.unwindCancelled(rec)
		return
	}

	// QUEUED -> BUILDING now that a slot is held.
	rec.setState(StateBuilding, "")

	// Step 3: invoke the Build System.
	sink := func(line string) {
		rec.appendBuildLog(line)
		m.publish(rec.ID, line)
	}
	_, err := m.build.Build(ctx, rec.Project, bytes.NewReader(archive), sink)
	if err != nil {
		releaseSlot()
		if rec.isCancelled() {
			m.unwindCancelled(rec)
			return
		}
		rec.setState(StateError, err.Error())
		m.publishEvent(rec, "deploy.error", err.Error())
		return
	}

	// Step 4: BUILDING -> BUILT.
	rec.setState(StateBuilt, "")

	if rec.isCancelled() {
		releaseSlot()
		m.unwindCancelled(rec)
		return
	}

	// Step 5: BUILT -> LOADING. Allocate a port, construct a Factory,
	// load the artifact.
	rec.setState(StateLoading, "")

	port, err := m.ports.Allocate()
	if err != nil {
		releaseSlot()
		msg := fmt.Sprintf("no ports available: %v", err)
		rec.setState(StateError, msg)
		m.publishEvent(rec, "deploy.error", msg)
		return
	}

	f := factory.New(rec.Project, m.provisioner)
	var env []string
	if m.dbType != "" {
		if info, dbErr := f.GetDatabaseInfo(ctx, m.dbType); dbErr == nil {
			rec.setDatabase(info)
			env = append(env, "DATABASE_URL="+factory.ConnectionString(info))

			// The child-process tenant has no way to call back into the
			// Factory for its opaque named secrets, so resolve them here
			// and hand them over as environment variables at load.
			if secrets, secErr := factory.ReadAllSecrets(ctx, info); secErr == nil {
				for key, value := range secrets {
					env = append(env, "SECRET_"+strings.ToUpper(key)+"="+value)
				}
			} else {
				log.Printf("⚠️ failed to read secrets for project %s: %v", rec.Project, secErr)
			}
		} else {
			m.ports.Release(port)
			releaseSlot()
			rec.setState(StateError, dbErr.Error())
			m.publishEvent(rec, "deploy.error", dbErr.Error())
			return
		}
	}

	artifactPath := m.build.ArtifactPath(rec.Project)
	runtimeSink := func(line string) {
		rec.appendRuntimeLog(line)
		m.publish(rec.ID, line)
	}
	handle, err := m.loader.Load(ctx, artifactPath, port, env, runtimeSink)
	if err != nil {
		m.ports.Release(port)
		releaseSlot()
		rec.setState(StateError, err.Error())
		m.publishEvent(rec, "deploy.error", err.Error())
		return
	}

	if rec.isCancelled() {
		_ = handle.Stop(context.Background())
		m.ports.Release(port)
		releaseSlot()
		m.unwindCancelled(rec)
		return
	}

	// Step 6: LOADING -> DEPLOYED. Store handle and port, publish in the
	// Router, release the slot.
	rec.setHandle(handle)
	rec.setPort(port)
	host := Hostname(rec.Project, m.fqdn)
	m.router.Set(host, port)
	rec.setState(StateDeployed, "")
	m.publishEvent(rec, "deploy.deployed", "")
	releaseSlot()

	// Step 7: atomic replacement of an older steady-state deployment for
	// this project. New Router entry is already visible (above) before
	// the old tenant is stopped, so traffic drains onto the new tenant
	// without a gap.
	if oldRecord != nil && oldRecord.currentState() == StateDeployed {
		if oldHandle := oldRecord.takeHandle(); oldHandle != nil {
			ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
			_ = oldHandle.Stop(ctx)
			cancel()
		}
		if oldPort, ok := oldRecord.currentPort(); ok {
			m.ports.Release(oldPort)
			oldRecord.clearPort()
		}
		oldRecord.setState(StateDeleted, "")
	}

	go m.watchForCrash(rec, handle, host)
}

// unwindCancelled releases whatever resources a cancelled pipeline had
// acquired before it was asked to stop, and marks the record DELETED.
func (m *Manager) unwindCancelled(rec *Record) {
	if h := rec.takeHandle(); h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
		_ = h.Stop(ctx)
		cancel()
	}
	if port, ok := rec.currentPort(); ok {
		m.ports.Release(port)
		rec.clearPort()
	}
	host := Hostname(rec.Project, m.fqdn)
	m.router.Remove(host)
	rec.setState(StateDeleted, "")
	m.publishEvent(rec, "deploy.deleted", "")
}

// watchForCrash observes a deployed tenant's own exit. An unexpected
// termination (the manager never called Stop) removes the Router entry
// and transitions the record to ERROR; there is no automatic redeploy.
func (m *Manager) watchForCrash(rec *Record, handle tenant.Handle, host string) {
	err := <-handle.Wait()
	if rec.currentState() != StateDeployed {
		// Already replaced or killed through the normal path.
		return
	}
	if rec.takeHandle() == nil {
		// Raced with a normal kill/replace; nothing further to do.
		return
	}
	m.router.Remove(host)
	if port, ok := rec.currentPort(); ok {
		m.ports.Release(port)
		rec.clearPort()
	}
	msg := "tenant process exited unexpectedly"
	if err != nil {
		msg = fmt.Sprintf("tenant process exited unexpectedly: %v", err)
	}
	rec.setState(StateError, msg)
	m.publishEvent(rec, "deploy.error", msg)
}

// publishEvent broadcasts a lifecycle transition onto the ambient event
// bus, if one is configured. Best-effort: mq.Publisher.Publish already
// swallows its own transport errors, so this never blocks or fails the
// worker pipeline.
func (m *Manager) publishEvent(rec *Record, eventType, message string) {
	if m.events == nil {
		return
	}
	m.events.Publish(mq.Event{
		Type:         eventType,
		Project:      rec.Project,
		DeploymentID: rec.ID.String(),
		State:        string(rec.currentState()),
		Message:      message,
	})
}

func (m *Manager) publish(id uuid.UUID, line string) {
	m.logsMu.Lock()
	b, ok := m.logs[id]
	m.logsMu.Unlock()
	if ok {
		b.Publish(eventlog.Line{Time: time.Now(), Text: line})
	}
}
