package deployment

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deployctl/internal/provisioner"
	"deployctl/internal/tenant"
)

// State is the Deployment Record's tagged state. ERROR carries a message,
// modeled as a separate field on the record rather than on the constant
// itself since Go has no tagged-union enum.
type State string

const (
	StateQueued   State = "QUEUED"
	StateBuilding State = "BUILDING"
	StateBuilt    State = "BUILT"
	StateLoading  State = "LOADING"
	StateDeployed State = "DEPLOYED"
	StateError    State = "ERROR"
	StateDeleted  State = "DELETED"
)

// LogLine is one (timestamp, line) entry in a record's runtime_logs.
type LogLine struct {
	Time time.Time
	Text string
}

// Record is the Deployment Record: per-project state, current artifact
// handle, allocated port, logs, and database info. The unexported fields
// are guarded by the Record's own mutex, since the worker, the kill paths
// and the crash watcher may touch a Record from different goroutines; the
// Manager hands out a Meta copied under that mutex rather than the Record
// itself.
type Record struct {
	ID      uuid.UUID
	Project string

	mu           sync.Mutex
	state        State
	stateError   string
	port         *int
	database     *provisioner.DatabaseInfo
	buildLogs    strings.Builder
	runtimeLogs  []LogLine
	handle       tenant.Handle
	createdAt    time.Time
	updatedAt    time.Time
	cancelled    bool
}

// newRecord creates a fresh QUEUED record for project.
func newRecord(project string) *Record {
	now := time.Now()
	return &Record{
		ID:        uuid.New(),
		Project:   project,
		state:     StateQueued,
		createdAt: now,
		updatedAt: now,
	}
}

func (r *Record) setState(s State, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	r.stateError = errMsg
	r.updatedAt = time.Now()
}

func (r *Record) appendBuildLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildLogs.Len() > 0 {
		r.buildLogs.WriteByte('\n')
	}
	r.buildLogs.WriteString(line)
}

func (r *Record) appendRuntimeLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimeLogs = append(r.runtimeLogs, LogLine{Time: time.Now(), Text: line})
}

func (r *Record) setPort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.port = &port
}

func (r *Record) clearPort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.port = nil
}

func (r *Record) setDatabase(info provisioner.DatabaseInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.database = &info
}

func (r *Record) setHandle(h tenant.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = h
}

func (r *Record) takeHandle() tenant.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle
	r.handle = nil
	return h
}

func (r *Record) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *Record) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Record) currentPort() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port == nil {
		return 0, false
	}
	return *r.port, true
}

func (r *Record) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Meta is the external, JSON-serializable snapshot of a Deployment
// Record: DeploymentMeta in the external interface contract.
type Meta struct {
	ID                 string                    `json:"id"`
	ProjectName        string                    `json:"project_name"`
	State              string                    `json:"state"`
	StateError         *string                   `json:"state_error"`
	Host               string                    `json:"host"`
	BuildLogs          string                    `json:"build_logs"`
	RuntimeLogs        [][2]string               `json:"runtime_logs"`
	DatabaseDeployment *provisioner.DatabaseInfo `json:"database_deployment"`
	CreatedAt          time.Time                 `json:"created_at"`
}

// meta builds the external snapshot for r. fqdn is the proxy's configured
// fully-qualified domain, used to derive the tenant's host.
func (r *Record) meta(fqdn string) Meta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stateError *string
	if r.stateError != "" {
		stateError = &r.stateError
	}

	runtimeLogs := make([][2]string, len(r.runtimeLogs))
	for i, l := range r.runtimeLogs {
		runtimeLogs[i] = [2]string{l.Time.Format(time.RFC3339), l.Text}
	}

	return Meta{
		ID:                 r.ID.String(),
		ProjectName:        r.Project,
		State:              string(r.state),
		StateError:         stateError,
		Host:               Hostname(r.Project, fqdn),
		BuildLogs:          r.buildLogs.String(),
		RuntimeLogs:        runtimeLogs,
		DatabaseDeployment: r.database,
		CreatedAt:          r.createdAt,
	}
}

// Hostname derives the Router key for a project, per the spec's
// "{project}.{proxy_fqdn}" rule.
func Hostname(project, fqdn string) string {
	return project + "." + fqdn
}
