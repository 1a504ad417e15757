// Package registration drives the messaging app's sign-up flow on the device
// and races it against OTP delivery.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/otp-registrar/internal/config"
	"github.com/ashureev/otp-registrar/internal/device"
	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/metrics"
	"github.com/ashureev/otp-registrar/internal/phone"
	"github.com/ashureev/otp-registrar/internal/phonestore"
)

const persistTimeout = 5 * time.Second

// SessionRepository is the durable session record.
type SessionRepository interface {
	SaveSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher receives one event per state entered.
type Publisher interface {
	Publish(ev domain.StatusEvent)
}

// Options configures an Orchestrator.
type Options struct {
	Serial       string
	App          device.App
	Timeouts     config.TimeoutConfig
	Retry        RetryPolicy
	ProfileNames []string
	// MaxActive caps concurrent runs; zero means no cap.
	MaxActive int
}

// Deps are the collaborators of an Orchestrator. Checker, Metrics and Poller
// may be nil.
type Deps struct {
	Driver   device.Driver
	Checker  device.Checker
	Phones   *phonestore.Store
	Sessions SessionRepository
	Events   Publisher
	Metrics  *metrics.Metrics
	Poller   CodeSource
}

// CodeSource waits for the OTP of one activation.
type CodeSource interface {
	Await(ctx context.Context, activationID string) (string, error)
}

// Orchestrator owns every live registration run.
type Orchestrator struct {
	serial       string
	app          device.App
	timeouts     config.TimeoutConfig
	retry        RetryPolicy
	profileNames []string
	maxActive    int

	driver   device.Driver
	checker  device.Checker
	phones   *phonestore.Store
	sessions SessionRepository
	events   Publisher
	metrics  *metrics.Metrics
	poller   CodeSource

	mu   sync.RWMutex
	runs map[string]*run
	nowF func() time.Time
}

// run is the in-memory state of one session while it holds the device.
type run struct {
	// op serializes Start and SubmitOTP walks on the same session.
	op sync.Mutex

	mu      sync.Mutex
	session *domain.Session
	driver  device.Session
	cancel  context.CancelCauseFunc
	// race ends the OTP wait running beside the walk, if any.
	race   context.CancelCauseFunc
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	return &Orchestrator{
		serial:       opts.Serial,
		app:          opts.App,
		timeouts:     opts.Timeouts,
		retry:        opts.Retry,
		profileNames: opts.ProfileNames,
		maxActive:    opts.MaxActive,
		driver:       deps.Driver,
		checker:      deps.Checker,
		phones:       deps.Phones,
		sessions:     deps.Sessions,
		events:       deps.Events,
		metrics:      deps.Metrics,
		poller:       deps.Poller,
		runs:         make(map[string]*run),
		nowF:         time.Now,
	}
}

// Admit creates the session record and claims a run slot for it. It does not
// touch the device; Walk does.
func (o *Orchestrator) Admit(ctx context.Context, sessionID, phoneNumber, cc string) error {
	if sessionID == "" {
		return fmt.Errorf("admit: empty session id: %w", ErrPreconditionViolation)
	}
	if existing, err := o.sessions.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("load session: %w", err)
	} else if existing != nil {
		return fmt.Errorf("admit %s: %w", sessionID, ErrSessionExists)
	}

	now := o.nowF()
	r := &run{
		session: &domain.Session{
			ID:          sessionID,
			Phone:       phoneNumber,
			CountryCode: cc,
			Status:      domain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		logger: slog.With("session_id", sessionID),
	}

	o.mu.Lock()
	if _, ok := o.runs[sessionID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("admit %s: %w", sessionID, ErrSessionExists)
	}
	if o.maxActive > 0 && len(o.runs) >= o.maxActive {
		o.mu.Unlock()
		return fmt.Errorf("admit %s: %w", sessionID, ErrBusy)
	}
	o.runs[sessionID] = r
	active := len(o.runs)
	o.mu.Unlock()
	o.metrics.SetActive(active)

	r.logger.Info("Registration admitted", "phone", phoneNumber, "country_code", cc)
	r.mu.Lock()
	o.persistLocked(r)
	o.publishLocked(r)
	r.mu.Unlock()
	return nil
}

// Start admits the session and walks it up to the code entry field. It
// returns once the field is visible and the session is awaiting the code.
func (o *Orchestrator) Start(ctx context.Context, sessionID, phoneNumber, cc string) error {
	if err := o.Admit(ctx, sessionID, phoneNumber, cc); err != nil {
		return err
	}
	return o.Walk(ctx, sessionID)
}

// Walk drives an admitted session through the registration screens.
func (o *Orchestrator) Walk(ctx context.Context, sessionID string) error {
	r := o.lookup(sessionID)
	if r == nil {
		return o.rejectEnded(ctx, sessionID)
	}

	r.op.Lock()
	defer r.op.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.mu.Lock()
	status := r.session.Status
	if status == domain.StatusPending {
		r.cancel = cancel
	}
	r.mu.Unlock()
	if status != domain.StatusPending {
		return fmt.Errorf("walk %s: session is %s: %w", sessionID, status, ErrPreconditionViolation)
	}

	if err := o.walk(runCtx, r); err != nil {
		err = interrupted(runCtx, err)
		o.fail(r, err)
		return err
	}

	r.logger.Info("Ready for code")
	return nil
}

func (o *Orchestrator) walk(ctx context.Context, r *run) error {
	sess := r.snapshot()

	o.transition(r, domain.StatusCheckingDevice, nil)
	if err := o.checkDevice(ctx); err != nil {
		return err
	}

	o.transition(r, domain.StatusStartingAutomationSession, nil)
	s, err := o.driver.Open(ctx, o.serial, o.app)
	if err != nil {
		return fmt.Errorf("open automation session: %w", err)
	}
	if !r.attach(s) {
		o.closeDriver(r.logger, s)
		return fmt.Errorf("session ended before automation started: %w", ErrSessionCancelled)
	}

	if _, err := o.phones.RegisterPhone(ctx, sess.Phone, sess.ID); err != nil {
		return fmt.Errorf("register phone: %w", err)
	}

	t := o.timeouts
	logger := r.logger

	o.transition(r, domain.StatusAgreeingTerms, nil)
	err = o.retryStep(ctx, logger, "agree_terms", func(ctx context.Context) error {
		return o.tap(ctx, s, eulaAccept, t.Terms)
	})
	if errors.Is(err, ErrAutomationStepTimeout) {
		logger.Info("Terms step skipped or already accepted")
	} else if err != nil {
		return fmt.Errorf("agree terms: %w", err)
	}

	o.transition(r, domain.StatusEnteringCountryCode, nil)
	err = o.retryStep(ctx, logger, "country_code", func(ctx context.Context) error {
		return o.fill(ctx, s, ccField, t.CountryCode, sess.CountryCode, true)
	})
	if err != nil {
		return fmt.Errorf("enter country code: %w", err)
	}

	o.transition(r, domain.StatusEnteringPhoneNumber, nil)
	local := phone.NationalNumber(sess.Phone, sess.CountryCode)
	err = o.retryStep(ctx, logger, "phone_number", func(ctx context.Context) error {
		return o.fill(ctx, s, phoneField, t.PhoneNumber, local, false)
	})
	if err != nil {
		return fmt.Errorf("enter phone number: %w", err)
	}

	o.transition(r, domain.StatusSubmittingPhone, nil)
	err = o.retryStep(ctx, logger, "submit_phone", func(ctx context.Context) error {
		return o.tap(ctx, s, submitPhone, t.Confirm)
	})
	if err != nil {
		return fmt.Errorf("submit phone: %w", err)
	}

	o.transition(r, domain.StatusConfirmingPhoneNumber, nil)
	err = o.retryStep(ctx, logger, "confirm_phone", func(ctx context.Context) error {
		ok, err := device.TapIfPresent(ctx, s, t.Confirm, confirmNumber...)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("confirm phone number: %w", device.ErrWaitTimeout)
		}
		return s.Pause(ctx, t.LongPause)
	})
	if errors.Is(err, ErrAutomationStepTimeout) {
		return fmt.Errorf("%w: %w", ErrConfirmationControlNotFound, err)
	} else if err != nil {
		return fmt.Errorf("confirm phone number: %w", err)
	}

	o.transition(r, domain.StatusResolvingVerificationMethod, nil)
	if err := o.resolveVerificationMethod(ctx, s, logger); err != nil {
		return fmt.Errorf("resolve verification method: %w", err)
	}

	o.transition(r, domain.StatusAwaitingOTPField, nil)
	err = o.retryStep(ctx, logger, "otp_field", func(ctx context.Context) error {
		_, err := device.WaitFor(ctx, s, otpInput, t.OTPField)
		return err
	})
	if errors.Is(err, ErrAutomationStepTimeout) {
		return fmt.Errorf("%w: %w", ErrOtpFieldTimeout, err)
	} else if err != nil {
		return fmt.Errorf("wait for otp field: %w", err)
	}

	o.transition(r, domain.StatusAwaitingOTPValue, nil)
	return nil
}

func (o *Orchestrator) checkDevice(ctx context.Context) error {
	if o.checker == nil {
		return nil
	}
	cctx := ctx
	if o.timeouts.DeviceCheck > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, o.timeouts.DeviceCheck)
		defer cancel()
	}
	err := o.checker.Check(cctx, o.serial)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && !errors.Is(err, ErrDeviceUnreachable) {
		err = fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	}
	return err
}

// tap waits for sel, clicks it and lets the screen settle.
func (o *Orchestrator) tap(ctx context.Context, s device.Session, sel device.Selector, timeout time.Duration) error {
	el, err := device.WaitFor(ctx, s, sel, timeout)
	if err != nil {
		return err
	}
	if err := s.Click(ctx, el); err != nil {
		return fmt.Errorf("click %s: %w", sel, err)
	}
	return s.Pause(ctx, o.timeouts.LongPause)
}

// fill focuses a text field and types value into it.
func (o *Orchestrator) fill(ctx context.Context, s device.Session, sel device.Selector, timeout time.Duration, value string, clear bool) error {
	el, err := device.WaitFor(ctx, s, sel, timeout)
	if err != nil {
		return err
	}
	if err := s.Click(ctx, el); err != nil {
		return fmt.Errorf("click %s: %w", sel, err)
	}
	if err := s.Pause(ctx, o.timeouts.ShortPause); err != nil {
		return err
	}
	if clear {
		if err := s.ClearText(ctx, el); err != nil {
			return fmt.Errorf("clear %s: %w", sel, err)
		}
		if err := s.Pause(ctx, o.timeouts.ShortPause); err != nil {
			return err
		}
	}
	if err := s.SetText(ctx, el, value); err != nil {
		return fmt.Errorf("type into %s: %w", sel, err)
	}
	return s.Pause(ctx, o.timeouts.ShortPause)
}

// transition moves r to status, persists and publishes it. Terminal sessions
// never change; the return value reports whether the move happened.
func (o *Orchestrator) transition(r *run, status domain.Status, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.session
	if sess.Status.IsTerminal() {
		return false
	}

	now := o.nowF()
	sess.Status = status
	sess.UpdatedAt = now
	if cause != nil {
		sess.Error = cause.Error()
		sess.ErrorKind = Classify(cause)
	} else {
		sess.Error = ""
		sess.ErrorKind = ""
	}
	if status.IsTerminal() {
		sess.CompletedAt = &now
	}

	r.logger.Debug("Status changed", "status", status)
	o.persistLocked(r)
	o.publishLocked(r)
	return true
}

func (o *Orchestrator) persistLocked(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.sessions.SaveSession(ctx, r.session); err != nil {
		r.logger.Error("Failed to persist session", "status", r.session.Status, "error", err)
	}
}

func (o *Orchestrator) publishLocked(r *run) {
	if o.events == nil {
		return
	}
	o.events.Publish(domain.StatusEvent{
		SessionID: r.session.ID,
		Status:    r.session.Status,
		Error:     r.session.Error,
		At:        r.session.UpdatedAt,
	})
}

// fail tears the run down and records err as the failure, unless the session
// already ended.
func (o *Orchestrator) fail(r *run, err error) {
	o.teardown(r)
	if o.transition(r, domain.StatusFailed, err) {
		r.logger.Error("Registration failed", "error", err, "error_kind", Classify(err))
	}
	o.remove(r.snapshot().ID)
}

// teardown detaches and closes the automation session, if any.
func (o *Orchestrator) teardown(r *run) {
	r.mu.Lock()
	s := r.driver
	r.driver = nil
	r.mu.Unlock()
	if s != nil {
		o.closeDriver(r.logger, s)
	}
}

func (o *Orchestrator) closeDriver(logger *slog.Logger, s device.Session) {
	deadline := o.timeouts.TeardownDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("Error closing automation session", "error", err)
	}
}

func (o *Orchestrator) remove(id string) {
	o.mu.Lock()
	delete(o.runs, id)
	active := len(o.runs)
	o.mu.Unlock()
	o.metrics.SetActive(active)
}

func (o *Orchestrator) lookup(id string) *run {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runs[id]
}

// attach stores s on the run unless the session already ended.
func (r *run) attach(s device.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.Status.IsTerminal() {
		return false
	}
	r.driver = s
	return true
}

// bindRace records fn as the race canceller unless the session already ended.
func (r *run) bindRace(fn context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.Status.IsTerminal() {
		return false
	}
	r.race = fn
	return true
}

func (r *run) snapshot() *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Clone()
}

// Cancel ends a session on caller request. Cancelling a session that already
// ended is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	r := o.lookup(sessionID)
	if r == nil {
		sess, err := o.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess == nil {
			return fmt.Errorf("cancel %s: %w", sessionID, ErrSessionNotFound)
		}
		if sess.Status.IsTerminal() {
			return nil
		}
		return o.closeOrphan(ctx, sess, domain.StatusCancelled, ErrSessionCancelled)
	}

	if !o.transition(r, domain.StatusCancelled, ErrSessionCancelled) {
		return nil
	}
	r.logger.Info("Registration cancelled")

	r.mu.Lock()
	cancel, race := r.cancel, r.race
	r.mu.Unlock()
	if cancel != nil {
		cancel(ErrSessionCancelled)
	}
	if race != nil {
		race(ErrSessionCancelled)
	}
	o.teardown(r)
	o.remove(sessionID)
	return nil
}

// closeOrphan ends a durable session that has no live run, such as one left
// behind by a previous process.
func (o *Orchestrator) closeOrphan(ctx context.Context, sess *domain.Session, status domain.Status, cause error) error {
	now := o.nowF()
	sess.Status = status
	sess.UpdatedAt = now
	sess.CompletedAt = &now
	sess.Error = cause.Error()
	sess.ErrorKind = Classify(cause)
	if errors.Is(cause, errStale) {
		sess.ErrorKind = KindStale
	}
	if err := o.sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if o.events != nil {
		o.events.Publish(domain.StatusEvent{SessionID: sess.ID, Status: status, Error: sess.Error, At: now})
	}
	return nil
}

// ActiveSessionCount returns the number of live runs.
func (o *Orchestrator) ActiveSessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.runs)
}

// HasSession reports whether sessionID has a live run.
func (o *Orchestrator) HasSession(sessionID string) bool {
	return o.lookup(sessionID) != nil
}

// Live returns a snapshot of the running session, or nil when sessionID has
// no live run.
func (o *Orchestrator) Live(sessionID string) *domain.Session {
	if r := o.lookup(sessionID); r != nil {
		return r.snapshot()
	}
	return nil
}

// Session returns the live state of a run, or the durable record once it
// ended. Unknown ids yield (nil, nil).
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	if r := o.lookup(sessionID); r != nil {
		return r.snapshot(), nil
	}
	return o.sessions.GetSession(ctx, sessionID)
}

// Sessions lists durable session records, newest first.
func (o *Orchestrator) Sessions(ctx context.Context) ([]*domain.Session, error) {
	return o.sessions.ListSessions(ctx)
}
