package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/voucher"
)

// VoucherStatus is the read-side view of a voucher.
type VoucherStatus = voucher.Summary

// ──────────────────────────────────────────────────
// Voucher issue & redemption
// ──────────────────────────────────────────────────

// ConfirmVoucherPurchase issues a voucher for a completed payment. A fresh
// code is drawn until one is free, up to the configured attempt limit.
func (e *Engine) ConfirmVoucherPurchase(ctx context.Context, in voucher.Issue) (*voucher.Voucher, error) {
	now := e.clock.Now()

	for attempt := 1; attempt <= e.codeAttempts; attempt++ {
		code, err := voucher.GenerateCode(e.rand)
		if err != nil {
			return nil, err
		}

		if _, err := e.store.GetVoucherByCode(ctx, code); err == nil {
			e.logger.Debug("voucher code collision", "attempt", attempt)
			continue
		} else if !IsNotFound(err) {
			return nil, persistErr("get voucher by code", err)
		}

		v, err := voucher.New(in, code, e.voucherValidity, now)
		if err != nil {
			return nil, err
		}

		if err := e.store.CreateVoucher(ctx, v); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return nil, persistErr("create voucher", err)
		}

		e.logger.Info("voucher issued",
			"voucher_id", v.ID.String(),
			"buyer_id", v.BuyerID,
			"amount", v.Amount.String(),
			"expiry_date", v.ExpiryDate,
		)
		e.plugins.EmitVoucherIssued(ctx, v)
		return v, nil
	}

	return nil, ErrCodeSpaceExhausted
}

// ApplyVoucher consumes amount from the voucher with code on behalf of
// redeemerID.
func (e *Engine) ApplyVoucher(ctx context.Context, code string, amount types.Money, redeemerID string) (*voucher.Voucher, error) {
	return e.applyVoucher(ctx, voucher.NormalizeCode(code), amount, redeemerID, e.clock.Now())
}

// applyVoucher retries the read-apply-write cycle while concurrent
// redemptions move AmountUsed underneath it.
func (e *Engine) applyVoucher(ctx context.Context, code string, amount types.Money, redeemerID string, now time.Time) (*voucher.Voucher, error) {
	for attempt := 0; attempt < e.applyAttempts; attempt++ {
		v, err := e.store.GetVoucherByCode(ctx, code)
		if err != nil {
			return nil, persistErr("get voucher by code", err)
		}

		expected := v.AmountUsed
		if err := voucher.Apply(v, amount, redeemerID, now); err != nil {
			return nil, err
		}

		ok, err := e.store.UpdateVoucherUsage(ctx, v, expected)
		if err != nil {
			return nil, persistErr("update voucher usage", err)
		}
		if !ok {
			e.logger.Debug("voucher usage changed concurrently, retrying", "voucher_id", v.ID.String())
			continue
		}

		e.logger.Info("voucher applied",
			"voucher_id", v.ID.String(),
			"redeemer_id", redeemerID,
			"amount", amount.String(),
			"remaining", voucher.RemainingBalance(v).String(),
		)
		e.plugins.EmitVoucherApplied(ctx, v, amount, redeemerID)
		return v, nil
	}
	return nil, ErrConcurrentModification
}

// GetVoucherStatus returns the derived status and balance of a voucher.
func (e *Engine) GetVoucherStatus(ctx context.Context, code string) (*VoucherStatus, error) {
	v, err := e.store.GetVoucherByCode(ctx, voucher.NormalizeCode(code))
	if err != nil {
		return nil, persistErr("get voucher by code", err)
	}
	return voucher.Summarize(v, e.clock.Now()), nil
}

// GetVoucher retrieves a voucher by ID.
func (e *Engine) GetVoucher(ctx context.Context, voucherID id.VoucherID) (*voucher.Voucher, error) {
	v, err := e.store.GetVoucher(ctx, voucherID)
	return v, persistErr("get voucher", err)
}

// ListVouchers lists the vouchers a buyer purchased, newest first.
func (e *Engine) ListVouchers(ctx context.Context, buyerID string, opts voucher.ListOpts) ([]*voucher.Voucher, error) {
	list, err := e.store.ListVouchers(ctx, buyerID, opts)
	return list, persistErr("list vouchers", err)
}

// ──────────────────────────────────────────────────
// Voucher-funded purchase
// ──────────────────────────────────────────────────

// PurchaseWithVoucher buys planID for ownerID with the voucher code under
// the engine's RedemptionPolicy. topUp pays any remainder under
// PolicyPartial and is ignored when the voucher covers the price.
func (e *Engine) PurchaseWithVoucher(ctx context.Context, ownerID string, planID id.PlanID, code string, topUp *entitlement.Payment) (*entitlement.UserPackage, error) {
	now := e.clock.Now()
	code = voucher.NormalizeCode(code)

	p, err := e.loadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	v, err := e.store.GetVoucherByCode(ctx, code)
	if err != nil {
		return nil, persistErr("get voucher by code", err)
	}
	if !v.Amount.SameCurrency(p.Price) {
		return nil, fmt.Errorf("%w: voucher is %s, plan is %s", ErrCurrencyMismatch, v.Amount.Currency, p.Price.Currency)
	}
	switch voucher.StatusOf(v, now) {
	case voucher.StatusExpired:
		return nil, ErrVoucherExpired
	case voucher.StatusExhausted:
		if p.Price.IsPositive() {
			return nil, ErrVoucherExhausted
		}
	}

	charge, payment, err := e.splitVoucherPayment(p.Price, voucher.RemainingBalance(v), code, topUp)
	if err != nil {
		return nil, err
	}

	// Build the entitlement first so nothing is charged for an invalid purchase.
	ent, err := entitlement.NewPurchase(ownerID, p, payment, now)
	if err != nil {
		return nil, err
	}
	entitlement.FundWithVoucher(ent, code)

	// The record is stored before the charge and only supersedes the
	// owner's current package once the voucher has paid for it.
	if err := e.store.CreateEntitlement(ctx, ent); err != nil {
		return nil, persistErr("create entitlement", err)
	}
	if charge.IsPositive() {
		if _, err := e.applyVoucher(ctx, code, charge, ownerID, now); err != nil {
			e.logger.Warn("voucher charge failed, retiring entitlement",
				"owner_id", ownerID,
				"voucher_id", v.ID.String(),
				"entitlement_id", ent.ID.String(),
				"error", err,
			)
			e.retire(ctx, ent, now)
			return nil, err
		}
	}

	if err := e.activate(ctx, ent, now); err != nil {
		return nil, err
	}
	return ent, nil
}

// splitVoucherPayment decides how much the voucher pays and which payment
// record the entitlement carries.
func (e *Engine) splitVoucherPayment(price, balance types.Money, code string, topUp *entitlement.Payment) (types.Money, entitlement.Payment, error) {
	voucherPayment := entitlement.Payment{
		Method:    entitlement.MethodVoucher,
		PaymentID: code,
		Status:    entitlement.PaymentCompleted,
	}

	if !balance.LessThan(price) {
		return price, voucherPayment, nil
	}

	if e.redemptionPolicy != PolicyPartial {
		return types.Money{}, entitlement.Payment{}, fmt.Errorf("%w: voucher holds %s, plan costs %s",
			ErrInsufficientBalance, balance, price)
	}

	if topUp == nil {
		return types.Money{}, entitlement.Payment{}, fmt.Errorf("%w: top-up of %s required",
			ErrInvalidPayment, price.Subtract(balance))
	}
	if err := topUp.Validate(); err != nil {
		return types.Money{}, entitlement.Payment{}, err
	}
	return balance, *topUp, nil
}
