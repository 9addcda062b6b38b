// Package payments provides a uniform "collect funds" operation over the
// three funding rails: internal balance, card processor, external wallet.
//
// Flow for external rails (card, external wallet):
//  1. Charge the gateway for amount + gateway fee. A definite decline leaves
//     the ledger untouched and is retry-safe. An ambiguous outcome (timeout
//     after the charge may have reached the gateway) is NOT retry-safe and is
//     queued as a consistency warning for manual reconciliation.
//  2. On success, record a deposit crediting the user's internal balance.
//  3. Immediately record a payment debiting the amount against the order.
//
// If step 3 fails after step 2 succeeded, the deposit stands (the funds truly
// arrived) and the missing debit is flagged as a consistency warning rather
// than rolled back or silently retried.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianworks/meridian/internal/circuitbreaker"
	"github.com/meridianworks/meridian/internal/ledger"
	"github.com/meridianworks/meridian/internal/metrics"
	"github.com/meridianworks/meridian/internal/money"
	"github.com/meridianworks/meridian/internal/traces"
)

var (
	ErrUnknownRail       = errors.New("unknown payment rail")
	ErrMissingCard       = errors.New("card token required for card rail")
	ErrMissingRemoteRef  = errors.New("external order reference required for external rail")
	ErrRailUnavailable   = errors.New("payment rail not configured")
	ErrRailSuspended     = errors.New("payment rail temporarily suspended")
	ErrCaptureIncomplete = errors.New("capture incomplete: deposit recorded but debit failed")
)

// GatewayError is returned when a gateway charge does not succeed.
// RetrySafe distinguishes "definitely not charged" (the caller may retry)
// from "unknown outcome" (the caller must NOT retry: the charge may have
// landed, and retrying risks a double charge).
type GatewayError struct {
	Rail      ledger.Rail
	RetrySafe bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.RetrySafe {
		return fmt.Sprintf("gateway declined (%s): %v", e.Rail, e.Err)
	}
	return fmt.Sprintf("gateway outcome unknown (%s), manual reconciliation required: %v", e.Rail, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// WarningStage classifies the point at which a consistency warning arose.
type WarningStage string

const (
	StageAmbiguousGateway WarningStage = "ambiguous_gateway_outcome"
	StageDebitFailed      WarningStage = "deposit_recorded_debit_failed"
)

// ConsistencyWarning records a partial-failure state that needs an operator.
// These are surfaced through the reconciliation report, never dropped.
type ConsistencyWarning struct {
	ID         string       `json:"id"`
	UserID     string       `json:"userId"`
	OrderID    string       `json:"orderId,omitempty"`
	Rail       ledger.Rail  `json:"rail"`
	Amount     string       `json:"amount"`
	Stage      WarningStage `json:"stage"`
	Detail     string       `json:"detail"`
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// WarningStore persists consistency warnings.
type WarningStore interface {
	Create(ctx context.Context, w *ConsistencyWarning) error
	ListOpen(ctx context.Context, limit int) ([]*ConsistencyWarning, error)
	Resolve(ctx context.Context, id string) error
}

// ChargeResult is the gateway's answer to a charge attempt.
type ChargeResult struct {
	ExternalID string
	Amount     int64 // cents actually charged, including gateway fee
}

// CardGateway charges a tokenized card. Implementations classify failures:
// a *GatewayError with RetrySafe=true means the charge definitely did not
// happen; RetrySafe=false means the outcome is unknown.
type CardGateway interface {
	CreateCharge(ctx context.Context, amount int64, cardToken string) (*ChargeResult, error)
}

// WalletGateway captures a buyer-approved remote order at an external wallet
// processor. CreateRemoteOrder is called earlier in the checkout flow to get
// an approval URL; Capture only needs the resulting order reference.
type WalletGateway interface {
	CreateRemoteOrder(ctx context.Context, amount int64) (approvalURL, externalOrderID string, err error)
	CaptureRemoteOrder(ctx context.Context, externalOrderID string) (*ChargeResult, error)
}

// Context carries rail-specific capture inputs.
type Context struct {
	OrderID         string
	Description     string
	CardToken       string // card rail
	ExternalOrderID string // external wallet rail
}

// CaptureResult reports the ledger entries a capture produced. Transactions
// may be non-empty even on error (the deposit of a half-finished external
// capture).
type CaptureResult struct {
	Transactions []*ledger.Transaction
	Warning      *ConsistencyWarning
}

// Capturer is the narrow interface consumed by the offer and dispute engines.
type Capturer interface {
	Capture(ctx context.Context, userID string, amount int64, rail ledger.Rail, pc Context) (*CaptureResult, error)
}

// Service implements fund capture across rails.
type Service struct {
	ledger        *ledger.Ledger
	card          CardGateway
	wallet        WalletGateway
	warnings      WarningStore
	breaker       *circuitbreaker.Breaker
	gatewayFeePct float64
	timeout       time.Duration
	logger        *slog.Logger
}

// NewService creates a new payment capture service.
func NewService(l *ledger.Ledger, warnings WarningStore, gatewayFeePct float64, timeout time.Duration) *Service {
	return &Service{
		ledger:        l,
		warnings:      warnings,
		breaker:       circuitbreaker.New(5, 30*time.Second),
		gatewayFeePct: gatewayFeePct,
		timeout:       timeout,
		logger:        slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithCardGateway enables the card rail.
func (s *Service) WithCardGateway(g CardGateway) *Service {
	s.card = g
	return s
}

// WithWalletGateway enables the external wallet rail.
func (s *Service) WithWalletGateway(g WalletGateway) *Service {
	s.wallet = g
	return s
}

// Capture collects amount from the user over the given rail.
func (s *Service) Capture(ctx context.Context, userID string, amount int64, rail ledger.Rail, pc Context) (*CaptureResult, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Capture",
		traces.UserID(userID),
		traces.Amount(money.Format(amount)),
		traces.Rail(string(rail)),
		traces.OrderID(pc.OrderID),
	)
	defer span.End()

	switch rail {
	case ledger.RailBalance:
		return s.captureBalance(ctx, userID, amount, pc)
	case ledger.RailCard, ledger.RailExternal:
		return s.captureExternal(ctx, userID, amount, rail, pc)
	default:
		return nil, ErrUnknownRail
	}
}

// captureBalance debits the internal balance in a single ledger entry.
func (s *Service) captureBalance(ctx context.Context, userID string, amount int64, pc Context) (*CaptureResult, error) {
	tx, err := s.ledger.Charge(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      amount,
		Rail:        ledger.RailBalance,
		OrderID:     pc.OrderID,
		Description: pc.Description,
	})
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("balance", "failed").Inc()
		return nil, err
	}
	metrics.CapturesTotal.WithLabelValues("balance", "succeeded").Inc()
	return &CaptureResult{Transactions: []*ledger.Transaction{tx}}, nil
}

// captureExternal runs the charge-deposit-debit sequence for card and
// external wallet rails.
func (s *Service) captureExternal(ctx context.Context, userID string, amount int64, rail ledger.Rail, pc Context) (*CaptureResult, error) {
	charged := amount + money.Percent(amount, s.gatewayFeePct)

	charge, err := s.charge(ctx, rail, charged, pc)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && !gwErr.RetrySafe {
			// The charge may have landed. Queue for manual reconciliation;
			// nothing is recorded in the ledger yet, so an operator can
			// credit the deposit once the gateway's state is known.
			w := s.queueWarning(ctx, userID, amount, rail, pc, StageAmbiguousGateway, gwErr.Error())
			metrics.CapturesTotal.WithLabelValues(string(rail), "ambiguous").Inc()
			return &CaptureResult{Warning: w}, gwErr
		}
		metrics.CapturesTotal.WithLabelValues(string(rail), "declined").Inc()
		return nil, err
	}

	// Step 2: the funds arrived at the platform; credit the user's wallet.
	deposit, err := s.ledger.Deposit(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      amount,
		Rail:        rail,
		ExternalRef: charge.ExternalID,
		OrderID:     pc.OrderID,
		Description: "gateway deposit",
	})
	if err != nil {
		// Charged but not credited. This must never silently disappear.
		w := s.queueWarning(ctx, userID, amount, rail, pc, StageAmbiguousGateway,
			fmt.Sprintf("charge %s succeeded but deposit failed: %v", charge.ExternalID, err))
		metrics.CapturesTotal.WithLabelValues(string(rail), "failed").Inc()
		return &CaptureResult{Warning: w}, fmt.Errorf("record deposit after charge %s: %w", charge.ExternalID, err)
	}

	// Step 3: debit the freshly credited amount against the order.
	debit, err := s.ledger.Charge(ctx, ledger.Entry{
		UserID:      userID,
		Amount:      amount,
		Rail:        ledger.RailBalance,
		ExternalRef: charge.ExternalID,
		OrderID:     pc.OrderID,
		Description: pc.Description,
	})
	if err != nil {
		// The deposit stands: funds truly arrived. The missing debit is
		// flagged for manual reconciliation, not retried or rolled back.
		w := s.queueWarning(ctx, userID, amount, rail, pc, StageDebitFailed,
			fmt.Sprintf("deposit %s recorded, debit failed: %v", deposit.ID, err))
		metrics.CapturesTotal.WithLabelValues(string(rail), "incomplete").Inc()
		return &CaptureResult{
			Transactions: []*ledger.Transaction{deposit},
			Warning:      w,
		}, fmt.Errorf("%w: %v", ErrCaptureIncomplete, err)
	}

	metrics.CapturesTotal.WithLabelValues(string(rail), "succeeded").Inc()
	return &CaptureResult{Transactions: []*ledger.Transaction{deposit, debit}}, nil
}

// charge dispatches to the configured gateway for the rail, applying the
// call timeout. A context deadline error is classified as ambiguous: the
// charge may have reached the gateway before the timeout.
//
// A per-rail circuit breaker sits in front of the gateways. An open
// circuit rejects the capture before any request is sent, so those
// failures are always retry-safe.
func (s *Service) charge(ctx context.Context, rail ledger.Rail, amount int64, pc Context) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if !s.breaker.Allow(string(rail)) {
		metrics.CapturesTotal.WithLabelValues(string(rail), "suspended").Inc()
		return nil, &GatewayError{Rail: rail, RetrySafe: true, Err: ErrRailSuspended}
	}

	var (
		result *ChargeResult
		err    error
	)
	switch rail {
	case ledger.RailCard:
		if s.card == nil {
			return nil, ErrRailUnavailable
		}
		if pc.CardToken == "" {
			return nil, ErrMissingCard
		}
		result, err = s.card.CreateCharge(ctx, amount, pc.CardToken)
	case ledger.RailExternal:
		if s.wallet == nil {
			return nil, ErrRailUnavailable
		}
		if pc.ExternalOrderID == "" {
			return nil, ErrMissingRemoteRef
		}
		result, err = s.wallet.CaptureRemoteOrder(ctx, pc.ExternalOrderID)
	}
	if err != nil {
		s.breaker.RecordFailure(string(rail))
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			return nil, gwErr
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &GatewayError{Rail: rail, RetrySafe: false, Err: err}
		}
		// Transport-level failure before the request could have landed is
		// still unknowable in general; classify conservatively.
		return nil, &GatewayError{Rail: rail, RetrySafe: false, Err: err}
	}
	s.breaker.RecordSuccess(string(rail))
	return result, nil
}

func (s *Service) queueWarning(ctx context.Context, userID string, amount int64, rail ledger.Rail, pc Context, stage WarningStage, detail string) *ConsistencyWarning {
	w := &ConsistencyWarning{
		UserID:  userID,
		OrderID: pc.OrderID,
		Rail:    rail,
		Amount:  money.Format(amount),
		Stage:   stage,
		Detail:  detail,
	}
	if err := s.warnings.Create(ctx, w); err != nil {
		// Last resort: the warning itself could not be persisted. Log loudly;
		// the operational log is the only remaining trail.
		s.logger.Error("failed to persist consistency warning",
			"user", userID, "order", pc.OrderID, "stage", string(stage), "detail", detail, "error", err)
	} else {
		s.logger.Warn("consistency warning queued",
			"id", w.ID, "user", userID, "order", pc.OrderID, "stage", string(stage))
	}
	metrics.ConsistencyWarningsTotal.Inc()
	return w
}

// OpenWarnings returns unresolved consistency warnings for the
// reconciliation report.
func (s *Service) OpenWarnings(ctx context.Context, limit int) ([]*ConsistencyWarning, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.warnings.ListOpen(ctx, limit)
}

// ResolveWarning marks a warning as handled by an operator.
func (s *Service) ResolveWarning(ctx context.Context, id string) error {
	return s.warnings.Resolve(ctx, id)
}
