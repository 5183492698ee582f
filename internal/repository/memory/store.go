// Package memory is a mutex-guarded implementation of the repository
// interfaces, used by tests and by single-process runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
)

type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	campaigns    map[string]model.Campaign
	leads        map[string]model.Lead
	targets      map[string]model.CampaignTarget
	history      map[string][]model.TargetStatus
	phones       map[string]model.PhoneNumber
	suppressions map[string]model.Suppression
	templates    map[string]model.Template
	messages     map[string]model.Message
	events       []model.StatusEvent
	audits       []model.AuditEvent
}

func New() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		campaigns:    map[string]model.Campaign{},
		leads:        map[string]model.Lead{},
		targets:      map[string]model.CampaignTarget{},
		history:      map[string][]model.TargetStatus{},
		phones:       map[string]model.PhoneNumber{},
		suppressions: map[string]model.Suppression{},
		templates:    map[string]model.Template{},
		messages:     map[string]model.Message{},
	}
}

// SetClock replaces the clock used for updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Campaigns() *CampaignRepository       { return &CampaignRepository{s} }
func (s *Store) Leads() *LeadRepository               { return &LeadRepository{s} }
func (s *Store) Targets() *TargetRepository           { return &TargetRepository{s} }
func (s *Store) PhoneNumbers() *PhoneNumberRepository { return &PhoneNumberRepository{s} }
func (s *Store) Suppressions() *SuppressionRepository { return &SuppressionRepository{s} }
func (s *Store) Templates() *TemplateRepository       { return &TemplateRepository{s} }
func (s *Store) Messages() *MessageRepository         { return &MessageRepository{s} }
func (s *Store) Audit() *AuditRepository              { return &AuditRepository{s} }

// ---- seeding ----

func (s *Store) PutCampaign(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *Store) PutLead(l model.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.ID] = l
}

func (s *Store) PutTarget(t model.CampaignTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = model.TargetQueued
	}
	s.targets[t.ID] = t
	s.history[t.ID] = []model.TargetStatus{t.Status}
}

func (s *Store) PutPhoneNumber(p model.PhoneNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones[p.ID] = p
}

func (s *Store) PutTemplate(t model.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

func (s *Store) PutSuppression(sup model.Suppression) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressions[sup.ID] = sup
}

// ---- inspection ----

// TargetHistory returns every status the target has held, in order.
func (s *Store) TargetHistory(id string) []model.TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TargetStatus(nil), s.history[id]...)
}

func (s *Store) AllMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) AuditEvents() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.audits...)
}

// ---- campaigns & leads ----

type CampaignRepository struct{ s *Store }

func (r *CampaignRepository) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &c, nil
}

func (r *CampaignRepository) UpdateStatus(_ context.Context, id string, status model.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	now := r.s.now()
	c.Status = status
	c.UpdatedAt = &now
	r.s.campaigns[id] = c
	return nil
}

type LeadRepository struct{ s *Store }

func (r *LeadRepository) GetByID(_ context.Context, id string) (*model.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return nil, appErrors.NewLeadNotFound(id)
	}
	return &l, nil
}

// ---- targets ----

type TargetRepository struct{ s *Store }

func (r *TargetRepository) GetByID(_ context.Context, id string) (*model.CampaignTarget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.targets[id]
	if !ok {
		return nil, appErrors.NewTargetNotFound(id)
	}
	return &t, nil
}

func (r *TargetRepository) ListByCampaign(_ context.Context, campaignID string, statuses ...model.TargetStatus) ([]*model.CampaignTarget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.CampaignTarget{}
	for _, t := range r.s.targets {
		if t.CampaignID != campaignID || !hasStatus(statuses, t.Status) {
			continue
		}
		t := t
		out = append(out, &t)
	}
	sortTargets(out)
	return out, nil
}

func (r *TargetRepository) ListStale(_ context.Context, sendingBefore, overdueBefore time.Time, limit int) ([]*model.CampaignTarget, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.CampaignTarget{}
	for _, t := range r.s.targets {
		stale := t.Status == model.TargetSending && t.UpdatedAt.Before(sendingBefore)
		overdue := (t.Status == model.TargetQueued || t.Status == model.TargetRescheduled) &&
			t.NextAttemptAt != nil && t.NextAttemptAt.Before(overdueBefore) &&
			r.s.campaigns[t.CampaignID].Status == model.CampaignActive
		if stale || overdue {
			t := t
			out = append(out, &t)
		}
	}
	sortTargets(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TargetRepository) Transition(_ context.Context, t *model.CampaignTarget, from model.TargetStatus) error {
	if !from.CanTransition(t.Status) {
		return appErrors.NewInvalidTransition("target", t.ID, string(from), string(t.Status))
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.targets[t.ID]
	if !ok {
		return appErrors.NewTargetNotFound(t.ID)
	}
	if cur.Status != from {
		return appErrors.NewStaleTransition("target", t.ID, string(from), string(t.Status))
	}
	t.UpdatedAt = r.s.now()
	r.s.targets[t.ID] = *t
	if cur.Status != t.Status {
		r.s.history[t.ID] = append(r.s.history[t.ID], t.Status)
	}
	return nil
}

func hasStatus(statuses []model.TargetStatus, s model.TargetStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if want == s {
			return true
		}
	}
	return false
}

func sortTargets(ts []*model.CampaignTarget) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

// ---- phone numbers ----

type PhoneNumberRepository struct{ s *Store }

func (r *PhoneNumberRepository) GetByID(_ context.Context, id string) (*model.PhoneNumber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.phones[id]
	if !ok {
		return nil, appErrors.NewPhoneNumberNotFound(id)
	}
	return &p, nil
}

func (r *PhoneNumberRepository) GetByNumber(_ context.Context, e164 string) (*model.PhoneNumber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.phones {
		if p.E164 == e164 {
			return &p, nil
		}
	}
	return nil, appErrors.NewPhoneNumberNotFound(e164)
}

func (r *PhoneNumberRepository) ListEligible(_ context.Context, orgID string, minHealth int) ([]*model.PhoneNumber, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.PhoneNumber{}
	for _, p := range r.s.phones {
		if p.OrganizationID != orgID || !p.Eligible(minHealth) {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		return usedBefore(out[i].LastUsedAt, out[j].LastUsedAt, out[i].ID, out[j].ID)
	})
	return out, nil
}

// usedBefore orders nil timestamps first, then oldest, then by id.
func usedBefore(a, b *time.Time, aID, bID string) bool {
	switch {
	case a == nil && b == nil:
		return aID < bID
	case a == nil:
		return true
	case b == nil:
		return false
	case a.Equal(*b):
		return aID < bID
	}
	return a.Before(*b)
}

func (r *PhoneNumberRepository) MarkUsed(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.phones[id]
	if !ok {
		return appErrors.NewPhoneNumberNotFound(id)
	}
	p.LastUsedAt = &at
	p.SendCount++
	r.s.phones[id] = p
	return nil
}

// ---- suppressions ----

type SuppressionRepository struct{ s *Store }

func (r *SuppressionRepository) GetByID(_ context.Context, id string) (*model.Suppression, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sup, ok := r.s.suppressions[id]
	if !ok {
		return nil, appErrors.NewSuppressionNotFound(id)
	}
	return &sup, nil
}

func (r *SuppressionRepository) FindActive(_ context.Context, orgID, phone string) (*model.Suppression, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var global *model.Suppression
	for _, sup := range r.s.suppressions {
		if !sup.Active || sup.PhoneNumber != phone {
			continue
		}
		sup := sup
		if sup.OrganizationID == orgID && orgID != "" {
			return &sup, nil
		}
		if sup.OrganizationID == "" {
			global = &sup
		}
	}
	if global != nil {
		return global, nil
	}
	return nil, appErrors.NewSuppressionNotFound(phone)
}

func (r *SuppressionRepository) Insert(_ context.Context, sup *model.Suppression) (*model.Suppression, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.suppressions {
		if existing.Active && existing.OrganizationID == sup.OrganizationID && existing.PhoneNumber == sup.PhoneNumber {
			existing := existing
			return &existing, false, nil
		}
	}
	sup.Active = true
	r.s.suppressions[sup.ID] = *sup
	return sup, true, nil
}

func (r *SuppressionRepository) Deactivate(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sup, ok := r.s.suppressions[id]
	if !ok {
		return appErrors.NewSuppressionNotFound(id)
	}
	sup.Active = false
	sup.DeactivatedAt = &at
	r.s.suppressions[id] = sup
	return nil
}

// ---- templates ----

type TemplateRepository struct{ s *Store }

func (r *TemplateRepository) SelectLeastRecentlyUsed(_ context.Context, orgID, category string) (*model.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.Template
	for _, t := range r.s.templates {
		if t.OrganizationID != orgID || t.Category != category || !t.Active {
			continue
		}
		t := t
		if best == nil || templateBefore(&t, best) {
			best = &t
		}
	}
	if best == nil {
		return nil, appErrors.NewTemplateNotFound(orgID + "/" + category)
	}
	return best, nil
}

func templateBefore(a, b *model.Template) bool {
	if (a.LastUsedAt == nil) != (b.LastUsedAt == nil) {
		return a.LastUsedAt == nil
	}
	if a.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt) {
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	if a.UsageCount != b.UsageCount {
		return a.UsageCount < b.UsageCount
	}
	return a.ID < b.ID
}

func (r *TemplateRepository) IncrementUsage(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok {
		return appErrors.NewTemplateNotFound(id)
	}
	t.UsageCount++
	t.LastUsedAt = &at
	r.s.templates[id] = t
	return nil
}

// ---- messages ----

type MessageRepository struct{ s *Store }

func (r *MessageRepository) Create(_ context.Context, m *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.insertLocked(m)
	return nil
}

func (r *MessageRepository) insertLocked(m *model.Message) {
	now := r.s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	r.s.messages[m.ID] = *m
}

func (r *MessageRepository) CreateInbound(_ context.Context, m *model.Message) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.CarrierMessageID != nil {
		for _, existing := range r.s.messages {
			if existing.CarrierMessageID != nil && *existing.CarrierMessageID == *m.CarrierMessageID {
				return false, nil
			}
		}
	}
	r.insertLocked(m)
	return true, nil
}

func (r *MessageRepository) GetByID(_ context.Context, id string) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, appErrors.NewMessageNotFound(id)
	}
	return &m, nil
}

func (r *MessageRepository) GetByCarrierID(_ context.Context, carrierID string) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.CarrierMessageID != nil && *m.CarrierMessageID == carrierID {
			return &m, nil
		}
	}
	return nil, appErrors.NewMessageNotFound(carrierID)
}

func (r *MessageRepository) Update(_ context.Context, m *model.Message, from model.MessageStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.messages[m.ID]
	if !ok {
		return appErrors.NewMessageNotFound(m.ID)
	}
	if cur.Status != from {
		return appErrors.NewStaleTransition("message", m.ID, string(from), string(m.Status))
	}
	m.UpdatedAt = r.s.now()
	r.s.messages[m.ID] = *m
	return nil
}

func (r *MessageRepository) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Message{}
	for _, m := range r.s.messages {
		if m.Direction != model.Outbound || m.CarrierMessageID == nil {
			continue
		}
		if (m.Status == model.MessageQueued || m.Status == model.MessageSent) && m.UpdatedAt.Before(olderThan) {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MessageRepository) AppendStatusEvent(_ context.Context, e *model.StatusEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events = append(r.s.events, *e)
	return nil
}

func (r *MessageRepository) ListStatusEvents(_ context.Context, messageID string) ([]*model.StatusEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.StatusEvent{}
	for _, e := range r.s.events {
		if e.MessageID == messageID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

// ---- audit ----

type AuditRepository struct{ s *Store }

func (r *AuditRepository) Record(_ context.Context, e *model.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audits = append(r.s.audits, *e)
	return nil
}
