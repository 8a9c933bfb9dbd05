package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"digit-trading-bot/internal/broker"
	"digit-trading-bot/internal/consensus"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/errs"
	"digit-trading-bot/internal/metrics"
	"digit-trading-bot/internal/recovery"
)

// result describes how far one execution got
type result struct {
	connected bool
	skipped   bool
	quorum    bool
	unsettled bool // bought but settlement not observed
	reason    string
	executed  bool
	decision  *consensus.Decision
	operation *database.TradeOperation
	progress  *database.ActiveTradingSession
}

// execute runs one session's pipeline and books the outcome
func (s *Scheduler) execute(ctx context.Context, session database.ActiveTradingSession) {
	s.executing.Add(1)
	defer s.executing.Add(-1)

	log := s.logger.With().
		Str("user_id", session.UserID).
		Str("session_key", session.SessionKey).
		Str("mode", session.Mode).
		Logger()

	if s.paused.Load() {
		log.Debug().Msg("Scheduler paused, execution not started")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ExecutionBudget)
	defer cancel()

	res, err := s.runPipeline(ctx, session, log)
	s.finish(ctx, session, res, err, log)
}

func (s *Scheduler) runPipeline(ctx context.Context, session database.ActiveTradingSession, log zerolog.Logger) (*result, error) {
	res := &result{}

	if ok, reason := s.deps.Breakers.For(session.UserID).CanExecute(); !ok {
		res.skipped = true
		res.reason = "circuit breaker: " + reason
		return res, nil
	}

	open, err := s.deps.Store.GetOpenTradeOperation(ctx, session.UserID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		open = nil
	case err != nil:
		return res, errs.Wrap(errs.KindPersistence, "scheduler.open_operation", err)
	}

	accountType := session.AccountType
	if accountType == "" {
		accountType = broker.AccountDemo
	}
	token, err := s.deps.Tokens.Token(ctx, session.UserID, accountType)
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Wrap(errs.KindBroker, "scheduler.resolve_token", err)
		}
		return res, err
	}

	err = s.deps.Broker.WithSession(ctx, token, accountType, func(sess broker.Session) error {
		res.connected = true
		if open != nil {
			settled, err := s.reconcile(ctx, sess, session.Mode, open, log)
			if err != nil {
				return err
			}
			if !settled {
				res.skipped = true
				res.reason = "previous operation still open"
				return nil
			}
		}
		return s.trade(ctx, sess, session, res, log)
	})
	return res, err
}

// trade runs the decision, purchase and settlement steps on an open broker session
func (s *Scheduler) trade(ctx context.Context, sess broker.Session, session database.ActiveTradingSession, res *result, log zerolog.Logger) error {
	symbol := session.Symbol
	if symbol == "" {
		symbol = s.config.DefaultSymbol
	}

	ticks, err := sess.TicksHistory(ctx, symbol, s.config.TickHistoryCount)
	if err != nil {
		return err
	}

	force, err := s.deps.Thresholds.ShouldForceMinimumOperations(ctx, session.UserID, session.Mode)
	if err != nil {
		log.Warn().Err(err).Msg("Pace check failed, not forcing minimum operations")
		force = false
	}
	threshold := s.deps.Thresholds.GetDynamicThreshold(session.Mode, force)

	decision, err := s.deps.Consensus.Decide(ctx, consensus.Request{
		UserID:       session.UserID,
		SessionKey:   session.SessionKey,
		Symbol:       symbol,
		Ticks:        ticks,
		Threshold:    threshold,
		ForceMinimum: force,
	})
	if err != nil {
		if errs.Is(err, errs.KindQuorum) {
			res.skipped = true
			res.quorum = true
			res.reason = err.Error()
			return nil
		}
		return err
	}
	res.decision = decision
	metrics.ObserveConsensusStrength(session.Mode, decision.ConsensusStrength)

	if decision.Skipped {
		s.deps.Thresholds.Record(session.Mode, decision.ConsensusStrength)
		res.skipped = true
		res.reason = decision.SkipReason
		return nil
	}

	balance, err := sess.GetBalance(ctx)
	if err != nil {
		return err
	}
	base := session.BaseAmount
	if base <= 0 {
		base = s.config.DefaultAmount
	}
	stake, err := s.deps.Ledger.PrepareStake(ctx, session.UserID, balance.Balance, base)
	if err != nil {
		if errors.Is(err, recovery.ErrInsufficientBalance) {
			res.skipped = true
			res.reason = fmt.Sprintf("balance %.2f below minimum stake", balance.Balance)
			return nil
		}
		return err
	}

	currency := balance.Currency
	if currency == "" {
		currency = s.config.Currency
	}
	snapshot, _ := json.Marshal(decision)
	op := &database.TradeOperation{
		ID:                   uuid.New().String(),
		UserID:               session.UserID,
		SessionKey:           session.SessionKey,
		Symbol:               symbol,
		Direction:            string(decision.Prediction),
		BarrierDigit:         decision.BarrierDigit,
		Amount:               stake.Amount,
		Duration:             s.config.DurationTicks,
		Status:               database.OperationPending,
		Consensus:            snapshot,
		IsRecoveryMode:       stake.IsRecoveryMode,
		RecoveryMultiplier:   stake.Multiplier,
		IsConservativeForced: stake.IsConservativeForced,
		CreatedAt:            s.now(),
	}
	if err := s.deps.Store.CreateTradeOperation(ctx, op); err != nil {
		if errors.Is(err, database.ErrOperationInFlight) {
			res.skipped = true
			res.reason = "operation already in flight"
			return nil
		}
		return errs.Wrap(errs.KindPersistence, "scheduler.create_operation", err)
	}
	res.operation = op

	contract, err := sess.BuyDigitDifferContract(ctx, broker.BuyRequest{
		Symbol:        symbol,
		DurationTicks: s.config.DurationTicks,
		BarrierDigit:  decision.BarrierDigit,
		Amount:        stake.Amount,
		Currency:      currency,
	})
	if err != nil {
		s.cancelOperation(ctx, op, err.Error(), log)
		return err
	}

	op.Status = database.OperationActive
	op.BrokerContractID = strconv.FormatInt(contract.ContractID, 10)
	if err := s.deps.Store.UpdateTradeOperation(ctx, op); err != nil {
		log.Error().Err(err).Str("contract_id", op.BrokerContractID).Msg("Contract bought but operation not marked active")
		return errs.Wrap(errs.KindPersistence, "scheduler.activate_operation", err)
	}

	progress, err := s.recordProgress(ctx, session, log)
	if err != nil {
		return err
	}
	res.progress = progress
	res.executed = true

	log.Info().
		Str("contract_id", op.BrokerContractID).
		Float64("amount", stake.Amount).
		Int("barrier", decision.BarrierDigit).
		Float64("strength", decision.ConsensusStrength).
		Float64("threshold", threshold).
		Bool("forced", force).
		Bool("recovery", stake.IsRecoveryMode).
		Msg("Contract purchased")
	s.deps.Events.PublishTradeExecuted(session.UserID, session.SessionKey, op.BrokerContractID, stake.Amount, stake.IsRecoveryMode)

	s.deps.Thresholds.Record(session.Mode, decision.ConsensusStrength)

	settlement, err := sess.WaitForSettlement(ctx, contract.ContractID)
	if err != nil {
		// The operation stays active and is reconciled on the next execution
		log.Warn().Err(err).Str("contract_id", op.BrokerContractID).Msg("Settlement not observed, leaving operation for reconcile")
		res.unsettled = true
		return nil
	}
	return s.settle(ctx, session.Mode, op, stake, settlement, log)
}

// recordProgress advances the session in one locked update. A session that
// was paused or already counted by a racing run is left untouched.
func (s *Scheduler) recordProgress(ctx context.Context, session database.ActiveTradingSession, log zerolog.Logger) (*database.ActiveTradingSession, error) {
	progress, err := s.deps.Store.RecordSessionExecution(ctx, session.SessionKey, s.now())
	switch {
	case err == nil:
		return progress, nil
	case errors.Is(err, database.ErrSessionInactive),
		errors.Is(err, database.ErrSessionExhausted),
		errors.Is(err, database.ErrSessionNotDue):
		log.Warn().Err(err).Msg("Session progress not advanced")
		return nil, nil
	default:
		return nil, errs.Wrap(errs.KindPersistence, "scheduler.record_progress", err)
	}
}

// settle books a settled contract on the operation and the daily ledger
func (s *Scheduler) settle(ctx context.Context, mode string, op *database.TradeOperation, stake *recovery.Stake, st *broker.Settlement, log zerolog.Logger) error {
	profit := st.Profit
	entry, exit := st.EntrySpot, st.ExitSpot
	completed := s.now()

	op.Status = database.OperationLost
	outcome := metrics.OutcomeLost
	if st.Won() {
		op.Status = database.OperationWon
		outcome = metrics.OutcomeWon
	}
	op.Profit = &profit
	op.EntryPrice = &entry
	op.ExitPrice = &exit
	op.CompletedAt = &completed
	if err := s.deps.Store.UpdateTradeOperation(ctx, op); err != nil {
		return errs.Wrap(errs.KindPersistence, "scheduler.settle_operation", err)
	}

	ledger, err := s.deps.Ledger.RecordSettlement(ctx, op.UserID, stake, profit)
	if err != nil {
		return err
	}

	metrics.RecordExecution(mode, outcome)
	s.deps.Events.PublishTradeSettled(op.UserID, op.BrokerContractID, op.Status, profit)
	log.Info().
		Str("contract_id", op.BrokerContractID).
		Str("status", op.Status).
		Float64("profit", profit).
		Float64("daily_pnl", ledger.Ledger.DailyPnL).
		Bool("recovery_active", ledger.Ledger.IsRecoveryActive).
		Msg("Contract settled")
	return nil
}

// reconcile resolves an operation left open by an earlier run. It returns
// true once the operation is terminal.
func (s *Scheduler) reconcile(ctx context.Context, sess broker.Session, mode string, op *database.TradeOperation, log zerolog.Logger) (bool, error) {
	log = log.With().Str("operation_id", op.ID).Logger()

	if op.BrokerContractID == "" {
		purchase, err := s.findPurchase(ctx, sess, op)
		if err != nil {
			return false, err
		}
		if purchase == nil {
			log.Warn().Str("status", op.Status).Msg("Cancelling operation interrupted before purchase")
			if err := s.cancelOperation(ctx, op, "interrupted before purchase", log); err != nil {
				return false, err
			}
			return true, nil
		}

		op.Status = database.OperationActive
		op.BrokerContractID = strconv.FormatInt(purchase.ContractID, 10)
		if err := s.deps.Store.UpdateTradeOperation(ctx, op); err != nil {
			return false, errs.Wrap(errs.KindPersistence, "scheduler.recover_contract", err)
		}
		log.Warn().Int64("contract_id", purchase.ContractID).Msg("Recovered contract bought before the operation was saved")
	}

	contractID, err := strconv.ParseInt(op.BrokerContractID, 10, 64)
	if err != nil {
		log.Warn().Str("contract_id", op.BrokerContractID).Msg("Cancelling operation with malformed contract id")
		if err := s.cancelOperation(ctx, op, "malformed contract id", log); err != nil {
			return false, err
		}
		return true, nil
	}

	st, err := sess.ContractStatus(ctx, contractID)
	if err != nil {
		return false, err
	}
	if !st.Settled() {
		log.Info().Int64("contract_id", contractID).Msg("Previous contract still open")
		return false, nil
	}

	stake := &recovery.Stake{
		UserID:               op.UserID,
		Date:                 database.TradingDay(op.CreatedAt),
		Amount:               op.Amount,
		BaseAmount:           op.Amount,
		IsRecoveryMode:       op.IsRecoveryMode,
		Multiplier:           op.RecoveryMultiplier,
		IsConservativeForced: op.IsConservativeForced,
	}
	log.Info().Int64("contract_id", contractID).Msg("Reconciling settled contract from earlier run")
	if err := s.settle(ctx, mode, op, stake, st, log); err != nil {
		return false, err
	}
	return true, nil
}

// findPurchase looks for a contract the broker accepted for op whose id was
// never saved. A DIGITDIFF buy at the operation's stake, made no earlier than
// the operation, is taken to be it.
func (s *Scheduler) findPurchase(ctx context.Context, sess broker.Session, op *database.TradeOperation) (*broker.Purchase, error) {
	purchases, err := sess.PurchasesSince(ctx, op.CreatedAt.Truncate(time.Second))
	if err != nil {
		return nil, err
	}
	for i := range purchases {
		p := purchases[i]
		if p.ContractType != "" && p.ContractType != "DIGITDIFF" {
			continue
		}
		if p.PurchaseTime.Before(op.CreatedAt.Truncate(time.Second)) {
			continue
		}
		if math.Abs(p.BuyPrice-op.Amount) > 0.005 {
			continue
		}
		return &p, nil
	}
	return nil, nil
}

func (s *Scheduler) cancelOperation(ctx context.Context, op *database.TradeOperation, reason string, log zerolog.Logger) error {
	completed := s.now()
	op.Status = database.OperationCancelled
	op.ErrorMessage = reason
	op.CompletedAt = &completed
	if err := s.deps.Store.UpdateTradeOperation(ctx, op); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID).Msg("Failed to cancel operation")
		return errs.Wrap(errs.KindPersistence, "scheduler.cancel_operation", err)
	}
	return nil
}

// finish books counters, metrics, breaker state and events for one execution
func (s *Scheduler) finish(ctx context.Context, session database.ActiveTradingSession, res *result, err error, log zerolog.Logger) {
	breaker := s.deps.Breakers.For(session.UserID)

	if res != nil && res.executed {
		s.counters.executed.Add(1)
		metrics.RecordExecution(session.Mode, metrics.OutcomeExecuted)
		if res.progress != nil && !res.progress.IsActive {
			log.Info().Int("executed", res.progress.ExecutedOperations).Msg("Session completed")
			s.deps.Events.PublishSessionCompleted(session.UserID, session.SessionKey, res.progress.ExecutedOperations)
		}
	}
	if res != nil && res.unsettled {
		s.counters.unsettled.Add(1)
		metrics.RecordExecution(session.Mode, metrics.OutcomeUnsettled)
	}

	if err != nil {
		err = errs.WithContext(err, session.UserID, session.SessionKey)
		kind := errs.KindOf(err)
		s.counters.failed.Add(1)
		metrics.RecordExecution(session.Mode, metrics.OutcomeFailed)
		metrics.RecordError(string(kind))

		switch kind {
		case errs.KindBroker:
			breaker.RecordFailure(err.Error())
		case errs.KindPersistence:
			s.reportPersistenceError(ctx, err)
		}

		log.Error().Err(err).Str("kind", string(kind)).Msg("Execution failed")
		s.deps.Events.PublishFailure(session.UserID, session.SessionKey, string(kind), err.Error())
		return
	}

	if res.connected {
		breaker.RecordSuccess()
	}

	if res.skipped {
		s.counters.skipped.Add(1)
		metrics.RecordExecution(session.Mode, metrics.OutcomeSkipped)
		if res.quorum {
			metrics.RecordError(string(errs.KindQuorum))
		}
		var strength, threshold float64
		if res.decision != nil {
			strength, threshold = res.decision.ConsensusStrength, res.decision.Threshold
		}
		log.Info().Str("reason", res.reason).Float64("strength", strength).Float64("threshold", threshold).Msg("Execution skipped")
		s.deps.Events.PublishSkipped(session.UserID, session.SessionKey, res.reason, strength, threshold)
	}
}
