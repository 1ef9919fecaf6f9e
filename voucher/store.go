package voucher

import (
	"context"

	"github.com/xraph/entitle/id"
)

// Store persists vouchers.
type Store interface {
	CreateVoucher(ctx context.Context, v *Voucher) error
	GetVoucher(ctx context.Context, voucherID id.VoucherID) (*Voucher, error)
	GetVoucherByCode(ctx context.Context, code string) (*Voucher, error)
	ListVouchers(ctx context.Context, buyerID string, opts ListOpts) ([]*Voucher, error)

	// UpdateVoucherUsage writes v's usage fields only if the stored
	// AmountUsed still equals expectedUsed. It reports whether the write
	// happened.
	UpdateVoucherUsage(ctx context.Context, v *Voucher, expectedUsed int64) (bool, error)
}

// ListOpts pages voucher listings.
type ListOpts struct {
	Limit  int
	Offset int
}
