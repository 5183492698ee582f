// internal/service/template_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {name} placeholders from data. Placeholders with
// no value are left in place and returned as missing.
func RenderTemplate(template string, data map[string]string) (string, []string) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := data[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	return out, missing
}

// LeadVariables builds the render variables for a lead. Custom fields never
// override the built-in names.
func LeadVariables(lead *model.Lead, brand string) map[string]string {
	vars := map[string]string{}
	if lead == nil {
		vars["brand"] = brand
		return vars
	}
	for k, v := range lead.Fields {
		vars[k] = v
	}
	vars["first_name"] = lead.FirstName
	vars["last_name"] = lead.LastName
	vars["county"] = lead.County
	vars["brand"] = brand
	return vars
}

// TemplateSelector rotates an organization's templates within a category.
type TemplateSelector struct {
	Repo repository.TemplateRepositoryInterface
	Now  func() time.Time
	Log  zerolog.Logger
}

// SelectTemplate returns the least recently used active template for the
// category. ok is false when the organization has none.
func (s *TemplateSelector) SelectTemplate(ctx context.Context, orgID, category string) (*model.Template, bool, error) {
	t, err := s.Repo.SelectLeastRecentlyUsed(ctx, orgID, category)
	if errors.Is(err, appErrors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select template: %w", err)
	}
	return t, true, nil
}

func (s *TemplateSelector) Render(t *model.Template, vars map[string]string) string {
	body, missing := RenderTemplate(t.Body, vars)
	if len(missing) > 0 {
		s.Log.Warn().Str("template_id", t.ID).Strs("placeholders", missing).Msg("template placeholders left unresolved")
	}
	return body
}

// TrackUsage bumps the template's usage counters. Failures are logged only.
func (s *TemplateSelector) TrackUsage(ctx context.Context, templateID string) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	if err := s.Repo.IncrementUsage(ctx, templateID, now); err != nil {
		s.Log.Warn().Err(err).Str("template_id", templateID).Msg("failed to track template usage")
	}
}
