// Package session drives one headless browser context through the portal's
// form for one combination at a time, as an explicit state machine with a
// timeout budget per phase.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/search"
	"github.com/JakeFAU/curp-search-engine/internal/validate"
)

// State names the node of the interaction state machine a session is in.
type State string

// Session states. Found/NotFound/Timeout/ErrorDetected route back to Idle via
// Recovering (or the lighter DismissModal for NotFound); CaptchaDetected
// parks the owning worker in PausedForManualIntervention.
const (
	StateIdle            State = "idle"
	StateFillingForm     State = "filling_form"
	StateSubmitting      State = "submitting"
	StateWaitingResult   State = "waiting_result"
	StateFound           State = "found"
	StateNotFound        State = "not_found"
	StateErrorDetected   State = "error_detected"
	StateTimeout         State = "timeout"
	StateCaptchaDetected State = "captcha_detected"
	StateDismissModal    State = "dismiss_modal"
	StateRecovering      State = "recovering"
)

// Form selectors observed on the portal. The site is an Ember app, so the
// form lives behind a tab and submissions go through the button, not a
// native form submit.
const (
	portalURL        = "https://www.gob.mx/curp/"
	selPersonalTab   = `a[href="#tab-02"]`
	selFirstName     = `input#nombre`
	selLastName1     = `input#primerApellido`
	selLastName2     = `input#segundoApellido`
	selDay           = `select#diaNacimiento`
	selMonth         = `select#mesNacimiento`
	selYear          = `input#selectedYear`
	selGender        = `select#sexo`
	selState         = `select#claveEntidad`
	selSubmit        = `#tab-02 form button[type="submit"]`
	selSubmitAny     = `form button[type="submit"]`
	selModalDismiss  = `button[data-dismiss="modal"]`
	selResultOrModal = `button[data-dismiss="modal"], #dwnldLnk, .panel-body`
)

// Config controls browser behavior and the per-phase timing budget.
type Config struct {
	URL               string
	UserAgent         string
	Headless          bool
	NavigationTimeout time.Duration
	FillTimeout       time.Duration
	SubmitTimeout     time.Duration
	// ResultTimeout bounds the whole polling window; exceeding it yields a
	// Timeout outcome.
	ResultTimeout time.Duration
	// PollMin/PollMax bound the randomized interval between result polls.
	PollMin time.Duration
	PollMax time.Duration
	// StepDelayMin/StepDelayMax bound the jitter between form sub-steps.
	StepDelayMin time.Duration
	StepDelayMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = portalURL
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 90 * time.Second
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 15 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 20 * time.Second
	}
	if c.PollMin <= 0 {
		c.PollMin = 300 * time.Millisecond
	}
	if c.PollMax <= c.PollMin {
		c.PollMax = c.PollMin + 500*time.Millisecond
	}
	if c.StepDelayMin <= 0 {
		c.StepDelayMin = 150 * time.Millisecond
	}
	if c.StepDelayMax <= c.StepDelayMin {
		c.StepDelayMax = c.StepDelayMin + 350*time.Millisecond
	}
	return c
}

// Browser implements search.Session with chromedp. Not safe for concurrent
// use; the pool owns one Browser per worker.
type Browser struct {
	cfg         Config
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	state       State
	// formReady tracks whether the form tab is already interactive, so a
	// NotFound only needs the modal dismissed, not a full reload.
	formReady bool
}

// New builds a Browser with its own exec allocator.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		state:       StateIdle,
	}, nil
}

// State returns the machine's current node, for logging and tests.
func (b *Browser) State() State { return b.state }

// Start opens the tab and prepares the form.
func (b *Browser) Start(ctx context.Context) error {
	b.tabCtx, b.tabCancel = chromedp.NewContext(b.allocator)
	return b.openForm(ctx)
}

// Close tears down the tab and allocator.
func (b *Browser) Close() {
	if b.tabCancel != nil {
		b.tabCancel()
	}
	b.allocCancel()
}

// Execute runs the fill/submit/wait cycle for one combination. Interaction
// failures are reported through the Outcome; the error return is reserved
// for context cancellation.
func (b *Browser) Execute(ctx context.Context, person search.Person, combo search.Combination) (search.Outcome, error) {
	if b.tabCtx == nil {
		return search.Outcome{}, errors.New("session not started")
	}

	if err := b.fillForm(ctx, person, combo); err != nil {
		return b.interactionOutcome(ctx, err, "fill form")
	}
	if err := b.submit(ctx); err != nil {
		return b.interactionOutcome(ctx, err, "submit form")
	}
	outcome, err := b.waitResult(ctx)
	if err != nil {
		return search.Outcome{}, err
	}

	switch outcome.Kind {
	case search.OutcomeNotFound:
		b.state = StateDismissModal
		b.dismissModal(ctx)
		b.state = StateIdle
	case search.OutcomeFound:
		// The result panel replaces the form; require a reload before the
		// next combination.
		b.formReady = false
		b.state = StateFound
	case search.OutcomeCaptcha:
		b.state = StateCaptchaDetected
	case search.OutcomeTimeout:
		b.state = StateTimeout
		b.formReady = false
	default:
		b.state = StateErrorDetected
		b.formReady = false
	}
	return outcome, nil
}

// Recover reloads the interactive surface after an error, timeout, or match
// so the same (or next) combination starts from a clean form.
func (b *Browser) Recover(ctx context.Context) error {
	b.state = StateRecovering
	if err := b.openForm(ctx); err != nil {
		return fmt.Errorf("recover form: %w", err)
	}
	b.state = StateIdle
	return nil
}

func (b *Browser) openForm(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.NavigationTimeout)
	defer cancel()
	actions := []chromedp.Action{
		chromedp.Navigate(b.cfg.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.jitter()),
		chromedp.WaitVisible(selPersonalTab, chromedp.ByQuery),
		chromedp.Click(selPersonalTab, chromedp.ByQuery),
		chromedp.WaitVisible(selFirstName, chromedp.ByQuery),
	}
	if b.cfg.UserAgent != "" {
		actions = append([]chromedp.Action{emulation.SetUserAgentOverride(b.cfg.UserAgent)}, actions...)
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &search.RecoverableError{Reason: "open form", Err: err}
	}
	b.formReady = true
	return nil
}

func (b *Browser) fillForm(ctx context.Context, person search.Person, combo search.Combination) error {
	b.state = StateFillingForm
	if !b.formReady {
		if err := b.openForm(ctx); err != nil {
			return err
		}
	}
	fillCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.FillTimeout)
	defer cancel()

	gender := "M"
	if person.Gender == "H" {
		gender = "H"
	}
	err := chromedp.Run(fillCtx,
		chromedp.SetValue(selFirstName, person.FirstName, chromedp.ByQuery),
		chromedp.SetValue(selLastName1, person.LastName1, chromedp.ByQuery),
		chromedp.SetValue(selLastName2, person.LastName2, chromedp.ByQuery),
		chromedp.Sleep(b.jitter()),
		chromedp.SetValue(selDay, fmt.Sprintf("%02d", combo.Day), chromedp.ByQuery),
		chromedp.SetValue(selMonth, fmt.Sprintf("%02d", combo.Month), chromedp.ByQuery),
		chromedp.SetValue(selYear, fmt.Sprintf("%d", combo.Year), chromedp.ByQuery),
		chromedp.Sleep(b.jitter()),
		chromedp.SetValue(selGender, gender, chromedp.ByQuery),
		chromedp.SetValue(selState, combo.StateCode, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &search.RecoverableError{Reason: "fill form fields", Err: err}
	}
	return nil
}

func (b *Browser) submit(ctx context.Context) error {
	b.state = StateSubmitting
	submitCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.SubmitTimeout)
	defer cancel()

	// Thinking pause before the click keeps per-combination pacing inside
	// a human-plausible envelope.
	err := chromedp.Run(submitCtx,
		chromedp.Sleep(b.jitter()),
		chromedp.Click(selSubmit, chromedp.ByQuery),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Fallback: any submit button in the page.
	err = chromedp.Run(submitCtx, chromedp.Click(selSubmitAny, chromedp.ByQuery))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &search.RecoverableError{Reason: "click submit", Err: err}
	}
	return nil
}

// waitResult polls the rendered document at a randomized interval until the
// validator reaches a definitive classification or the result budget runs
// out, which yields a Timeout outcome.
func (b *Browser) waitResult(ctx context.Context) (search.Outcome, error) {
	b.state = StateWaitingResult
	deadline := time.Now().Add(b.cfg.ResultTimeout)

	// Give the Ember render a head start before the first poll.
	waitCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.ResultTimeout)
	defer cancel()
	_ = chromedp.Run(waitCtx, chromedp.WaitVisible(selResultOrModal, chromedp.ByQueryAll))

	var lastReason string
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return search.Outcome{}, err
		}
		var content string
		pollCtx, pollCancel := context.WithTimeout(b.tabCtx, b.cfg.PollMax+2*time.Second)
		err := chromedp.Run(pollCtx, chromedp.OuterHTML("html", &content, chromedp.ByQuery))
		pollCancel()
		if err != nil {
			lastReason = fmt.Sprintf("read page: %v", err)
		} else {
			outcome := validate.Classify(content)
			if outcome.Kind != search.OutcomeError {
				return outcome, nil
			}
			lastReason = outcome.Reason
		}
		select {
		case <-ctx.Done():
			return search.Outcome{}, ctx.Err()
		case <-time.After(b.pollInterval()):
		}
	}
	if lastReason == "" {
		lastReason = "no classification before deadline"
	}
	return search.Outcome{Kind: search.OutcomeTimeout, Reason: lastReason}, nil
}

func (b *Browser) dismissModal(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	dismissCtx, cancel := context.WithTimeout(b.tabCtx, 3*time.Second)
	defer cancel()
	if err := chromedp.Run(dismissCtx,
		chromedp.Click(selModalDismiss, chromedp.ByQuery),
		chromedp.Sleep(200*time.Millisecond),
	); err != nil {
		b.logger.Debug("dismiss modal", zap.Error(err))
		// The next fill will reload if the modal wedged the form.
		b.formReady = false
	}
}

func (b *Browser) interactionOutcome(ctx context.Context, err error, phase string) (search.Outcome, error) {
	if ctx.Err() != nil {
		return search.Outcome{}, ctx.Err()
	}
	b.state = StateErrorDetected
	b.formReady = false
	return search.Outcome{Kind: search.OutcomeError, Reason: fmt.Sprintf("%s: %v", phase, err)}, nil
}

func (b *Browser) jitter() time.Duration {
	return randDuration(b.cfg.StepDelayMin, b.cfg.StepDelayMax)
}

func (b *Browser) pollInterval() time.Duration {
	return randDuration(b.cfg.PollMin, b.cfg.PollMax)
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}
