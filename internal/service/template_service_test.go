package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/service"
)

func TestRenderTemplate(t *testing.T) {
	lead := &model.Lead{
		FirstName: "Alice",
		LastName:  "Smith",
		County:    "Bexar",
		Fields:    map[string]string{"acreage": "12", "first_name": "ignored"},
	}
	out, missing := service.RenderTemplate(
		"Hi {first_name} {last_name}, {brand} would buy your {acreage} acres in {county}. {offer_price}",
		service.LeadVariables(lead, "Acme Land"),
	)
	assert.Equal(t, "Hi Alice Smith, Acme Land would buy your 12 acres in Bexar. {offer_price}", out)
	assert.Equal(t, []string{"offer_price"}, missing)
}

func TestRenderTemplateEmptyValues(t *testing.T) {
	out, missing := service.RenderTemplate("Hi {first_name}!", service.LeadVariables(&model.Lead{}, ""))
	assert.Equal(t, "Hi !", out)
	assert.Empty(t, missing)
}

func TestTemplateRotation(t *testing.T) {
	h := newHarness(t)
	h.store.PutTemplate(model.Template{
		ID: "tpl-2", OrganizationID: orgID, Body: "Hello {first_name}", Category: model.CategoryInitial, Active: true,
	})
	sel := &service.TemplateSelector{Repo: h.store.Templates(), Now: h.clock.Now}
	ctx := context.Background()

	first, ok, err := sel.SelectTemplate(ctx, orgID, model.CategoryInitial)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tpl-1", first.ID)
	sel.TrackUsage(ctx, first.ID)

	second, ok, err := sel.SelectTemplate(ctx, orgID, model.CategoryInitial)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tpl-2", second.ID)

	_, ok, err = sel.SelectTemplate(ctx, orgID, model.CategoryFollowup)
	require.NoError(t, err)
	assert.False(t, ok)

	// Best-effort: unknown ids are logged, not returned.
	sel.TrackUsage(ctx, "missing")
}
