package stages

import "context"

// CheckOrderOpen открывает checkOrderOpen для внешних тестов пакета.
func (p *Processors) CheckOrderOpen(ctx context.Context, orderID int64) error {
	return p.checkOrderOpen(ctx, orderID)
}
