// Package tenant exposes the current tenant schema to the eventing core.
// Resolving the schema is the job of the surrounding application.
package tenant

import "context"

type ctxKey struct{}

// SchemaProvider returns the schema of the tenant active in ctx.
type SchemaProvider interface {
	CurrentSchema(ctx context.Context) string
}

// SchemaProviderFunc adapts a function to SchemaProvider.
type SchemaProviderFunc func(ctx context.Context) string

func (f SchemaProviderFunc) CurrentSchema(ctx context.Context) string {
	return f(ctx)
}

// ContextProvider reads the schema stored by WithSchema.
var ContextProvider SchemaProvider = SchemaProviderFunc(FromContext)

func WithSchema(ctx context.Context, schema string) context.Context {
	return context.WithValue(ctx, ctxKey{}, schema)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	schema, _ := ctx.Value(ctxKey{}).(string)
	return schema
}
