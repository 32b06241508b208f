package tenant

import (
	"context"
	"testing"
)

func TestSchemaRoundTrip(t *testing.T) {
	ctx := WithSchema(context.Background(), "tenant_a")
	if got := ContextProvider.CurrentSchema(ctx); got != "tenant_a" {
		t.Fatalf("expected tenant_a, got %q", got)
	}
	if got := FromContext(context.Background()); got != "" {
		t.Fatalf("expected empty schema, got %q", got)
	}
}
