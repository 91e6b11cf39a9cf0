// Package dbctx carries a request-scoped context alongside an optional open transaction,
// so repository methods can participate in a caller's transaction without a separate
// transaction-threading parameter on every call.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction handle.
// When Tx is nil, callers fall back to their own base *gorm.DB.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func (c Context) DB(base *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return base
}
