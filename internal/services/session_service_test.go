package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ovinet_backend/internal/device"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// ============================================================================
// In-memory fakes. The session repo reproduces the conditional-update
// semantics of the real one so the race handling can be exercised without a
// database; the device is scripted per operation.
// ============================================================================

type fakeDevice struct {
	mu          sync.Mutex
	credentials map[string]bool
	queues      map[string]bool // value: queue enabled
	failures    map[string]int  // op -> calls that fail before succeeding
	failWith    error
	calls       []string

	lastQueueTarget string
	lastDownMbps    int
	lastUpMbps      int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		credentials: make(map[string]bool),
		queues:      make(map[string]bool),
		failures:    make(map[string]int),
		failWith:    errors.New("device unreachable"),
	}
}

func (d *fakeDevice) failNext(op string, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = times
}

func (d *fakeDevice) callCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == op {
			n++
		}
	}
	return n
}

// shouldFail consumes one scripted failure. Callers hold d.mu.
func (d *fakeDevice) shouldFail(op string) bool {
	d.calls = append(d.calls, op)
	if d.failures[op] > 0 {
		d.failures[op]--
		return true
	}
	return false
}

func (d *fakeDevice) AddCredential(ctx context.Context, name, secret, group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFail("add_credential") {
		return d.failWith
	}
	d.credentials[name] = true
	return nil
}

func (d *fakeDevice) RemoveCredential(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFail("remove_credential") {
		return d.failWith
	}
	if !d.credentials[name] {
		return device.ErrNotFound
	}
	delete(d.credentials, name)
	return nil
}

func (d *fakeDevice) AddQueue(ctx context.Context, name, target string, downloadMbps, uploadMbps int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFail("add_queue") {
		return d.failWith
	}
	d.queues[name] = true
	d.lastQueueTarget = target
	d.lastDownMbps = downloadMbps
	d.lastUpMbps = uploadMbps
	return nil
}

func (d *fakeDevice) SetQueueEnabled(ctx context.Context, name string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFail("set_queue") {
		return d.failWith
	}
	if _, ok := d.queues[name]; !ok {
		return device.ErrNotFound
	}
	d.queues[name] = enabled
	return nil
}

func (d *fakeDevice) RemoveQueue(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFail("remove_queue") {
		return d.failWith
	}
	if _, ok := d.queues[name]; !ok {
		return device.ErrNotFound
	}
	delete(d.queues, name)
	return nil
}

func (d *fakeDevice) ListConnectedClients(ctx context.Context) ([]device.ConnectedClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shouldFail("list") {
		return nil, d.failWith
	}
	return []device.ConnectedClient{
		{MAC: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.2", Source: "dhcp"},
	}, nil
}

type fakeSubscriptionRepo struct {
	mu   sync.Mutex
	subs map[string]*models.Subscription
}

func newFakeSubscriptionRepo() *fakeSubscriptionRepo {
	return &fakeSubscriptionRepo{subs: make(map[string]*models.Subscription)}
}

func (f *fakeSubscriptionRepo) put(sub *models.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	f.subs[sub.ID] = sub
}

func (f *fakeSubscriptionRepo) Create(sub *models.Subscription) error {
	f.put(sub)
	return nil
}

func (f *fakeSubscriptionRepo) Update(sub *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; !ok {
		return repositories.ErrSubscriptionNotFound
	}
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeSubscriptionRepo) FindByID(id string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, repositories.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubscriptionRepo) FindByUser(userID string) ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeSubscriptionRepo) UpdateStatus(id string, status models.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return repositories.ErrSubscriptionNotFound
	}
	sub.Status = status
	return nil
}

func (f *fakeSubscriptionRepo) FindExpired(limit int) ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.Status == models.SubscriptionStatusActive && sub.ExpiresAt.Before(time.Now()) {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	pauses   []*models.PauseRecord
	subs     *fakeSubscriptionRepo

	createErr error
	// beforeMark simulates a concurrent writer: it runs inside the next
	// transition call, before the status check, then clears itself.
	beforeMark func()
}

func newFakeSessionRepo(subs *fakeSubscriptionRepo) *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*models.Session),
		subs:     subs,
	}
}

func copySession(s *models.Session) *models.Session {
	cp := *s
	return &cp
}

func (f *fakeSessionRepo) runHook() {
	if f.beforeMark != nil {
		hook := f.beforeMark
		f.beforeMark = nil
		hook()
	}
}

func (f *fakeSessionRepo) CreateWithSubscription(session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return err
	}
	if session.SubscriptionID != nil && f.subs != nil {
		f.subs.mu.Lock()
		sub, ok := f.subs.subs[*session.SubscriptionID]
		switch {
		case !ok:
			f.subs.mu.Unlock()
			return repositories.ErrSubscriptionNotFound
		case sub.Status != models.SubscriptionStatusActive:
			f.subs.mu.Unlock()
			return repositories.ErrSubscriptionClosed
		case sub.CurrentConnections >= sub.AllowedConnections:
			f.subs.mu.Unlock()
			return repositories.ErrConnectionLimit
		}
		sub.CurrentConnections++
		f.subs.mu.Unlock()
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	f.sessions[session.ID] = copySession(session)
	return nil
}

func (f *fakeSessionRepo) MarkPaused(sessionID string, record *models.PauseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runHook()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repositories.ErrSessionNotFound
	}
	if s.Status != models.SessionStatusActive {
		return repositories.ErrStatusConflict
	}
	s.Status = models.SessionStatusPaused
	record.SessionID = sessionID
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	f.pauses = append(f.pauses, record)
	return nil
}

func (f *fakeSessionRepo) MarkActive(sessionID string, resumedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runHook()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repositories.ErrSessionNotFound
	}
	if s.Status != models.SessionStatusPaused {
		return repositories.ErrStatusConflict
	}
	s.Status = models.SessionStatusActive
	f.closeOpenPause(sessionID, resumedAt)
	return nil
}

func (f *fakeSessionRepo) MarkTerminated(sessionID string, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runHook()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repositories.ErrSessionNotFound
	}
	if s.Status != models.SessionStatusActive && s.Status != models.SessionStatusPaused {
		return repositories.ErrStatusConflict
	}
	s.Status = models.SessionStatusTerminated
	s.EndTime = &endTime
	f.closeOpenPause(sessionID, endTime)
	if s.SubscriptionID != nil && f.subs != nil {
		f.subs.mu.Lock()
		if sub, ok := f.subs.subs[*s.SubscriptionID]; ok && sub.CurrentConnections > 0 {
			sub.CurrentConnections--
		}
		f.subs.mu.Unlock()
	}
	return nil
}

// closeOpenPause is called with f.mu held.
func (f *fakeSessionRepo) closeOpenPause(sessionID string, at time.Time) {
	for _, p := range f.pauses {
		if p.SessionID == sessionID && p.ResumedAt == nil {
			t := at
			p.ResumedAt = &t
		}
	}
}

func (f *fakeSessionRepo) FindByID(id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repositories.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (f *fakeSessionRepo) FindByIDWithPauses(id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repositories.ErrSessionNotFound
	}
	cp := copySession(s)
	for _, p := range f.pauses {
		if p.SessionID == id {
			cp.PauseRecords = append(cp.PauseRecords, *p)
		}
	}
	return cp, nil
}

func (f *fakeSessionRepo) FindOpenBySubscription(subscriptionID string) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.SubscriptionID != nil && *s.SubscriptionID == subscriptionID &&
			s.Status != models.SessionStatusTerminated {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) FindOpenPause(sessionID string) (*models.PauseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pauses {
		if p.SessionID == sessionID && p.ResumedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repositories.ErrOpenPauseNotFound
}

func (f *fakeSessionRepo) FindTerminatedBetween(from, to time.Time) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.Status == models.SessionStatusTerminated && s.EndTime != nil &&
			!s.EndTime.Before(from) && s.EndTime.Before(to) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) SetReconcileFlag(sessionID string, intent datatypes.JSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repositories.ErrSessionNotFound
	}
	s.NeedsReconcile = true
	s.PendingIntent = intent
	return nil
}

func (f *fakeSessionRepo) ClearReconcileFlag(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return repositories.ErrSessionNotFound
	}
	s.NeedsReconcile = false
	s.PendingIntent = nil
	return nil
}

func (f *fakeSessionRepo) FindFlagged(limit int) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.NeedsReconcile {
			out = append(out, *s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSessionRepo) CountFlagged() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.sessions {
		if s.NeedsReconcile {
			n++
		}
	}
	return n, nil
}

type fakeUsageRepo struct {
	mu       sync.Mutex
	keys     map[string]bool
	reports  []models.UsageReport
	sessions *fakeSessionRepo
}

func newFakeUsageRepo(sessions *fakeSessionRepo) *fakeUsageRepo {
	return &fakeUsageRepo{keys: make(map[string]bool), sessions: sessions}
}

func (f *fakeUsageRepo) Apply(report *models.UsageReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[report.ReportKey] {
		return repositories.ErrDuplicateReport
	}

	f.sessions.mu.Lock()
	s, ok := f.sessions.sessions[report.SessionID]
	if !ok {
		f.sessions.mu.Unlock()
		return repositories.ErrSessionNotFound
	}
	s.DataUsedMB += report.DeltaMB
	if s.SubscriptionID != nil && f.sessions.subs != nil {
		f.sessions.subs.mu.Lock()
		if sub, ok := f.sessions.subs.subs[*s.SubscriptionID]; ok {
			sub.DataUsedMB += report.DeltaMB
		}
		f.sessions.subs.mu.Unlock()
	}
	f.sessions.mu.Unlock()

	f.keys[report.ReportKey] = true
	f.reports = append(f.reports, *report)
	return nil
}

func (f *fakeUsageRepo) FindBySession(sessionID string, limit int) ([]models.UsageReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.UsageReport
	for _, r := range f.reports {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeUsageRepo) FindReceivedBetween(from, to time.Time) ([]models.UsageReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.UsageReport
	for _, r := range f.reports {
		if !r.ReceivedAt.Before(from) && r.ReceivedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAlertRepo struct {
	mu     sync.Mutex
	alerts []*models.OperatorAlert
}

func (f *fakeAlertRepo) Create(alert *models.OperatorAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.CreatedAt = time.Now()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeAlertRepo) FindUnacknowledged(limit int) ([]models.OperatorAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OperatorAlert
	for _, a := range f.alerts {
		if !a.Acknowledged {
			out = append(out, *a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAlertRepo) HasOpenForSession(sessionID, kind string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.SessionID == sessionID && a.Kind == kind && !a.Acknowledged {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAlertRepo) Acknowledge(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return nil
		}
	}
	return repositories.ErrAlertNotFound
}

// ============================================================================
// Fixtures
// ============================================================================

type testEnv struct {
	device   *fakeDevice
	sessions *fakeSessionRepo
	subs     *fakeSubscriptionRepo
	usage    *fakeUsageRepo
	alerts   *fakeAlertRepo
	svc      SessionService
}

func newTestEnv() *testEnv {
	subs := newFakeSubscriptionRepo()
	sessions := newFakeSessionRepo(subs)
	usage := newFakeUsageRepo(sessions)
	alerts := &fakeAlertRepo{}
	dev := newFakeDevice()

	svc := NewSessionService(sessions, subs, usage, alerts, dev, DevicePolicy{
		CredentialGroup:     "billing-users",
		DefaultDownloadMbps: 50,
		DefaultUploadMbps:   10,
		RetryAttempts:       4,
		RetryBackoff:        time.Millisecond,
	})

	return &testEnv{
		device:   dev,
		sessions: sessions,
		subs:     subs,
		usage:    usage,
		alerts:   alerts,
		svc:      svc,
	}
}

func (e *testEnv) addSubscription(allowed int) *models.Subscription {
	sub := &models.Subscription{
		UserID:             "alice",
		PackageID:          "pkg-1",
		Status:             models.SubscriptionStatusActive,
		PurchasedAt:        time.Now(),
		ExpiresAt:          time.Now().Add(30 * 24 * time.Hour),
		AllowedConnections: allowed,
	}
	e.subs.put(sub)
	return sub
}

func (e *testEnv) createActiveSession(t *testing.T, sub *models.Subscription) *models.Session {
	t.Helper()
	session, err := e.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
		SubscriptionID: sub.ID,
		Username:       "alice",
	})
	require.NoError(t, err)
	return session
}

func pauseReq() *models.PauseSessionRequest {
	return &models.PauseSessionRequest{Reason: models.PauseReasonUserRequest}
}

// ============================================================================
// CreateSession
// ============================================================================

func TestCreateSession_ProvisionsDeviceAndStore(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)

	session, err := env.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
		SubscriptionID: sub.ID,
		Username:       "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, device.QueueName(session.ID, "alice"), session.QueueName)

	// Device side exists and uses the configured defaults
	assert.True(t, env.device.credentials["alice"])
	enabled, ok := env.device.queues[session.QueueName]
	assert.True(t, ok)
	assert.True(t, enabled)
	assert.Equal(t, "alice", env.device.lastQueueTarget)
	assert.Equal(t, 50, env.device.lastDownMbps)
	assert.Equal(t, 10, env.device.lastUpMbps)

	// Store side exists and the connection slot is taken
	stored, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, stored.Status)

	fresh, err := env.subs.FindByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.CurrentConnections)
}

func TestCreateSession_PackageRatesOverrideDefaults(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	sub.Package = models.DataPackage{
		BaseModel:    models.BaseModel{ID: "pkg-1"},
		Name:         "Turbo",
		DownloadMbps: 80,
		UploadMbps:   25,
	}

	env.createActiveSession(t, sub)

	assert.Equal(t, 80, env.device.lastDownMbps)
	assert.Equal(t, 25, env.device.lastUpMbps)
}

func TestCreateSession_SubscriptionChecks(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(env *testEnv) string // returns subscription id
		want    error
	}{
		{
			name: "unknown subscription",
			prepare: func(env *testEnv) string {
				return uuid.NewString()
			},
			want: nil, // checked by code below
		},
		{
			name: "expired subscription",
			prepare: func(env *testEnv) string {
				sub := env.addSubscription(1)
				sub.ExpiresAt = time.Now().Add(-time.Hour)
				return sub.ID
			},
			want: apperrors.ErrSubscriptionNotActive,
		},
		{
			name: "cancelled subscription",
			prepare: func(env *testEnv) string {
				sub := env.addSubscription(1)
				sub.Status = models.SubscriptionStatusCancelled
				return sub.ID
			},
			want: apperrors.ErrSubscriptionNotActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			subID := tt.prepare(env)

			_, err := env.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
				SubscriptionID: subID,
				Username:       "alice",
			})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			// No device leftovers on a refused create
			assert.Empty(t, env.device.credentials)
			assert.Empty(t, env.device.queues)
		})
	}
}

func TestCreateSession_ConnectionLimit(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	env.createActiveSession(t, sub)

	_, err := env.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
		SubscriptionID: sub.ID,
		Username:       "alice-2",
	})
	assert.ErrorIs(t, err, apperrors.ErrConnectionLimitReached)
}

func TestCreateSession_DeviceFailureLeavesNothing(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)

	// Exhaust the whole retry budget on the queue step
	env.device.failNext("add_queue", 10)

	_, err := env.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
		SubscriptionID: sub.ID,
		Username:       "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeProvisioningFailed))

	// The credential added before the failing step was rolled back
	assert.Empty(t, env.device.credentials)
	assert.Empty(t, env.device.queues)

	// No row, no slot taken
	fresh, err := env.subs.FindByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.CurrentConnections)
}

func TestCreateSession_StoreFailureRollsBackDevice(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	env.sessions.createErr = errors.New("insert failed")

	_, err := env.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
		SubscriptionID: sub.ID,
		Username:       "alice",
	})
	require.Error(t, err)

	assert.Empty(t, env.device.credentials)
	assert.Empty(t, env.device.queues)
}

func TestCreateSession_TransientDeviceErrorIsRetried(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)

	// Three failures fit inside the four-attempt budget
	env.device.failNext("add_credential", 3)

	session, err := env.svc.CreateSession(context.Background(), &models.CreateSessionRequest{
		SubscriptionID: sub.ID,
		Username:       "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	assert.Equal(t, 4, env.device.callCount("add_credential"))
}

// ============================================================================
// Pause / Resume
// ============================================================================

func TestPauseSession_DisablesQueueAndRecordsInterval(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	actor := "ops-anna"
	paused, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), &actor)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusPaused, paused.Status)
	assert.False(t, paused.NeedsReconcile)

	enabled := env.device.queues[session.QueueName]
	assert.False(t, enabled, "queue must be disabled on the device")

	open, err := env.sessions.FindOpenPause(session.ID)
	require.NoError(t, err)
	assert.Nil(t, open.ResumedAt)
	require.NotNil(t, open.ActorID)
	assert.Equal(t, "ops-anna", *open.ActorID)
}

func TestPauseSession_AlreadyPausedIsNoop(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)
	setCalls := env.device.callCount("set_queue")

	again, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, again.Status)

	// No second device call and no second open pause interval
	assert.Equal(t, setCalls, env.device.callCount("set_queue"))
	open := 0
	for _, p := range env.sessions.pauses {
		if p.SessionID == session.ID && p.ResumedAt == nil {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestPauseSession_TerminatedIsRefused(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)

	_, err = env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	assert.ErrorIs(t, err, apperrors.ErrSessionTerminated)
}

func TestPauseSession_DeviceRecoversWithinBudget(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.device.failNext("set_queue", 3)

	paused, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusPaused, paused.Status)
	assert.False(t, paused.NeedsReconcile, "recovered within the budget, no flag")
	assert.False(t, env.device.queues[session.QueueName])
}

func TestPauseSession_ExhaustedRetriesFlagForReconcile(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.device.failNext("set_queue", 10)

	paused, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err, "pause commits even when the device stays down")

	assert.Equal(t, models.SessionStatusPaused, paused.Status)
	assert.True(t, paused.NeedsReconcile)

	stored, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.True(t, stored.NeedsReconcile)

	intent, err := stored.Intent()
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, models.IntentDisableQueue, intent.Op)
	assert.Equal(t, 0, intent.Attempts)
}

func TestPauseSession_MissingQueueIsBenign(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	// Someone deleted the queue on the device out of band
	env.device.mu.Lock()
	delete(env.device.queues, session.QueueName)
	env.device.mu.Unlock()

	paused, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, paused.Status)
	assert.False(t, paused.NeedsReconcile, "missing target is not reconcile material")
}

func TestResumeSession_ReenablesQueueAndClosesInterval(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	resumed, err := env.svc.ResumeSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusActive, resumed.Status)
	assert.True(t, env.device.queues[session.QueueName])

	_, err = env.sessions.FindOpenPause(session.ID)
	assert.ErrorIs(t, err, repositories.ErrOpenPauseNotFound)

	status, err := env.svc.GetSessionStatus(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, status.PauseHistory, 1)
	assert.NotNil(t, status.PauseHistory[0].ResumedAt)
}

func TestResumeSession_ActiveIsNoop(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	resumed, err := env.svc.ResumeSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, resumed.Status)
	assert.Equal(t, 0, env.device.callCount("set_queue"))
}

func TestPauseSession_LosesRaceToConcurrentPause(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	// The concurrent winner pauses between our read and our update
	env.sessions.beforeMark = func() {
		env.sessions.sessions[session.ID].Status = models.SessionStatusPaused
	}

	paused, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err, "losing to a writer who wanted the same state is a no-op")
	assert.Equal(t, models.SessionStatusPaused, paused.Status)
}

func TestPauseSession_LosesRaceToConcurrentTerminate(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.sessions.beforeMark = func() {
		env.sessions.sessions[session.ID].Status = models.SessionStatusTerminated
	}

	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	assert.ErrorIs(t, err, apperrors.ErrSessionTerminated)
}

func TestResumeSession_LosesRaceToConcurrentPauseTransition(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	// A concurrent resume already flipped the session back to active
	env.sessions.beforeMark = func() {
		env.sessions.sessions[session.ID].Status = models.SessionStatusActive
	}

	resumed, err := env.svc.ResumeSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, resumed.Status)
}

// ============================================================================
// Terminate
// ============================================================================

func TestTerminateSession_RemovesDeviceStateFirst(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	terminated, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusTerminated, terminated.Status)
	require.NotNil(t, terminated.EndTime)
	assert.Empty(t, env.device.credentials)
	assert.Empty(t, env.device.queues)

	// Slot is released for the next session
	fresh, err := env.subs.FindByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.CurrentConnections)
}

func TestTerminateSession_Idempotent(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)
	removeCalls := env.device.callCount("remove_queue")

	again, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, again.Status)
	assert.Equal(t, removeCalls, env.device.callCount("remove_queue"), "no device traffic on a repeat terminate")

	// The slot was only given back once
	fresh, err := env.subs.FindByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.CurrentConnections)
}

func TestTerminateSession_MissingTargetsAreAlreadyRemoved(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	// Manual cleanup happened on the device out of band
	env.device.mu.Lock()
	delete(env.device.credentials, "alice")
	delete(env.device.queues, session.QueueName)
	env.device.mu.Unlock()

	terminated, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, terminated.Status)
}

func TestTerminateSession_DeviceFailureKeepsSessionOpen(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.device.failNext("remove_credential", 10)

	_, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.Error(t, err)

	stored, ferr := env.sessions.FindByID(session.ID)
	require.NoError(t, ferr)
	assert.Equal(t, models.SessionStatusActive, stored.Status, "no unconfirmed terminated state")
	assert.Nil(t, stored.EndTime)
}

func TestTerminateSession_WorksOnPausedSession(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	terminated, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, terminated.Status)

	// The pause interval was closed at the end time
	status, err := env.svc.GetSessionStatus(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, status.PauseHistory, 1)
	assert.NotNil(t, status.PauseHistory[0].ResumedAt)
}

// ============================================================================
// Usage
// ============================================================================

func TestUpdateUsage_AppliesOncePerKey(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	err := env.svc.UpdateUsage(context.Background(), session.ID, 120.5, "report-1", models.UsageEventUpdate)
	require.NoError(t, err)

	// Redelivery of the same report is acknowledged without applying
	err = env.svc.UpdateUsage(context.Background(), session.ID, 120.5, "report-1", models.UsageEventUpdate)
	require.NoError(t, err)

	stored, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.InDelta(t, 120.5, stored.DataUsedMB, 0.001)

	fresh, err := env.subs.FindByID(sub.ID)
	require.NoError(t, err)
	assert.InDelta(t, 120.5, fresh.DataUsedMB, 0.001)
}

func TestUpdateUsage_DistinctKeysAccumulate(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	require.NoError(t, env.svc.UpdateUsage(context.Background(), session.ID, 100, "r-1", models.UsageEventUpdate))
	require.NoError(t, env.svc.UpdateUsage(context.Background(), session.ID, 50, "r-2", models.UsageEventUpdate))

	stored, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.InDelta(t, 150, stored.DataUsedMB, 0.001)
}

func TestUpdateUsage_Validation(t *testing.T) {
	env := newTestEnv()

	err := env.svc.UpdateUsage(context.Background(), uuid.NewString(), -1, "r-1", models.UsageEventUpdate)
	require.Error(t, err)

	err = env.svc.UpdateUsage(context.Background(), uuid.NewString(), 10, "", models.UsageEventUpdate)
	require.Error(t, err)
}

func TestUpdateUsage_UnknownSession(t *testing.T) {
	env := newTestEnv()

	err := env.svc.UpdateUsage(context.Background(), uuid.NewString(), 10, "r-1", models.UsageEventUpdate)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestUpdateUsage_AcceptedAfterTerminate(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	_, err := env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)

	// A late report for the closed session still lands in the ledger
	err = env.svc.UpdateUsage(context.Background(), session.ID, 42, "late-1", models.UsageEventUpdate)
	require.NoError(t, err)

	stored, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.InDelta(t, 42, stored.DataUsedMB, 0.001)
}

// ============================================================================
// Reconcile
// ============================================================================

func TestReconcileSession_ReappliesIntent(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.device.failNext("set_queue", 10)
	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	flagged, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	require.True(t, flagged.NeedsReconcile)

	// Device is back; the sweep re-applies the disable
	env.device.failNext("set_queue", 0)
	attempts, err := env.svc.ReconcileSession(context.Background(), flagged)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)

	assert.False(t, env.device.queues[session.QueueName], "pending disable was applied")

	cleared, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.False(t, cleared.NeedsReconcile)
	assert.Empty(t, cleared.PendingIntent)
}

func TestReconcileSession_FailureBumpsAttempts(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.device.failNext("set_queue", 100)
	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		flagged, ferr := env.sessions.FindByID(session.ID)
		require.NoError(t, ferr)

		attempts, rerr := env.svc.ReconcileSession(context.Background(), flagged)
		require.Error(t, rerr)
		assert.Equal(t, want, attempts)
	}

	stored, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	intent, err := stored.Intent()
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, 3, intent.Attempts)
	assert.NotEmpty(t, intent.LastError)
}

func TestReconcileSession_TerminatedClearsFlag(t *testing.T) {
	env := newTestEnv()
	sub := env.addSubscription(1)
	session := env.createActiveSession(t, sub)

	env.device.failNext("set_queue", 10)
	_, err := env.svc.PauseSession(context.Background(), session.ID, pauseReq(), nil)
	require.NoError(t, err)

	_, err = env.svc.TerminateSession(context.Background(), session.ID)
	require.NoError(t, err)

	flagged, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)

	attempts, err := env.svc.ReconcileSession(context.Background(), flagged)
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)

	cleared, err := env.sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.False(t, cleared.NeedsReconcile, "teardown already removed the queue, nothing to enforce")
}

// ============================================================================
// Operator queries
// ============================================================================

func TestGetSessionStatus_NotFound(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.GetSessionStatus(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestGetConnectedDevices(t *testing.T) {
	env := newTestEnv()

	clients, err := env.svc.GetConnectedDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", clients[0].MAC)
}

func TestAcknowledgeAlert(t *testing.T) {
	env := newTestEnv()
	alert := &models.OperatorAlert{SessionID: uuid.NewString(), Kind: models.AlertKindReconcileFailed, Message: "m"}
	require.NoError(t, env.alerts.Create(alert))

	require.NoError(t, env.svc.AcknowledgeAlert(context.Background(), alert.ID))

	open, err := env.svc.GetAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	err = env.svc.AcknowledgeAlert(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}
