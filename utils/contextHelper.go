package utils

import (
	"context"

	"bitbucket.org/vendhubdata/recon_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyResolver      = appctx.ContextKeyResolver
	ContextKeyBatchId       = appctx.ContextKeyBatchId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetResolverFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyResolver)
}

func SetResolverInContext(ctx context.Context, resolver string) context.Context {
	return appctx.Set(ctx, ContextKeyResolver, resolver)
}

func GetBatchIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBatchId)
}

func SetBatchIdInContext(ctx context.Context, batchId string) context.Context {
	return appctx.Set(ctx, ContextKeyBatchId, batchId)
}
