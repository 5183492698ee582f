package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
	"github.com/unclebandit/smsdispatch/internal/model"
	"github.com/unclebandit/smsdispatch/internal/repository"
)

type KeywordKind string

const (
	KeywordNone  KeywordKind = "none"
	KeywordStop  KeywordKind = "stop"
	KeywordHelp  KeywordKind = "help"
	KeywordStart KeywordKind = "start"
)

var keywordKinds = map[string]KeywordKind{
	"stop":        KeywordStop,
	"stopall":     KeywordStop,
	"quit":        KeywordStop,
	"cancel":      KeywordStop,
	"end":         KeywordStop,
	"unsubscribe": KeywordStop,
	"alto":        KeywordStop,
	"arret":       KeywordStop,
	"help":        KeywordHelp,
	"info":        KeywordHelp,
	"ayuda":       KeywordHelp,
	"information": KeywordHelp,
	"start":       KeywordStart,
	"unstop":      KeywordStart,
}

// ClassifyKeyword matches the whole trimmed body, case-insensitively,
// against the compliance keyword sets. Sentences containing a keyword are
// not keywords.
func ClassifyKeyword(body string) (KeywordKind, string) {
	kw := strings.ToLower(strings.TrimSpace(body))
	if kind, ok := keywordKinds[kw]; ok {
		return kind, kw
	}
	return KeywordNone, ""
}

// Replies are the texts sent back for compliance keywords.
type Replies struct {
	Stop  string
	Help  string
	Start string
}

// InboundMessage is a reply received from a recipient.
type InboundMessage struct {
	From             string
	To               string
	Body             string
	CarrierMessageID string
}

type InboundResult struct {
	MessageID string
	Kind      KeywordKind
	Keyword   string
	Reply     string
	Duplicate bool
}

// ComplianceGate processes inbound replies.
type ComplianceGate struct {
	Suppressions *SuppressionStore
	Phones       repository.PhoneNumberRepositoryInterface
	Messages     repository.MessageRepositoryInterface
	Audit        repository.AuditRepositoryInterface
	Replies      Replies
	Now          func() time.Time
	Log          zerolog.Logger
}

func (g *ComplianceGate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// orgFor resolves the organization owning the number the reply was sent to.
// Replies to unknown numbers act globally.
func (g *ComplianceGate) orgFor(ctx context.Context, to string) (string, error) {
	if to == "" {
		return "", nil
	}
	n, err := g.Phones.GetByNumber(ctx, to)
	if errors.Is(err, appErrors.ErrNotFound) {
		g.Log.Warn().Str("to", to).Msg("inbound message to unknown number")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return n.OrganizationID, nil
}

// HandleInbound stores the reply once per carrier message id and applies
// the compliance keyword, if any. Redelivered replies are not audited again.
func (g *ComplianceGate) HandleInbound(ctx context.Context, in InboundMessage) (*InboundResult, error) {
	from, err := g.Suppressions.Normalize(in.From)
	if err != nil {
		return nil, err
	}
	to := in.To
	if n, err := g.Suppressions.Normalize(in.To); err == nil {
		to = n
	}
	orgID, err := g.orgFor(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("resolve organization: %w", err)
	}

	kind, keyword := ClassifyKeyword(in.Body)
	res := &InboundResult{Kind: kind, Keyword: keyword, Reply: g.replyFor(kind)}

	now := g.now()
	msg := &model.Message{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Direction:      model.Inbound,
		FromNumber:     from,
		ToNumber:       to,
		Body:           in.Body,
		Status:         model.MessageReceived,
		Segments:       1,
		CreatedAt:      now,
	}
	if in.CarrierMessageID != "" {
		sid := in.CarrierMessageID
		msg.CarrierMessageID = &sid
	}
	created, err := g.Messages.CreateInbound(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("store inbound message: %w", err)
	}
	res.Duplicate = !created
	if created {
		res.MessageID = msg.ID
	}

	// Keyword actions are idempotent and rerun for redelivered replies so a
	// failure after the message was stored is repaired on retry.
	action := "none"
	switch kind {
	case KeywordStop:
		if _, err := g.Suppressions.Add(ctx, from, orgID, model.ReasonOptOut, model.SourceKeyword); err != nil {
			return nil, err
		}
		action = "opt_out"
	case KeywordHelp:
		action = "help_reply"
	case KeywordStart:
		action = "opt_in"
		if err := g.optIn(ctx, from, orgID); err != nil {
			return nil, err
		}
	}

	if res.Duplicate {
		g.Log.Debug().Str("carrier_message_id", in.CarrierMessageID).Msg("duplicate inbound message")
		return res, nil
	}

	g.audit(ctx, &model.AuditEvent{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		EventType:      "inbound_keyword",
		PhoneNumber:    from,
		Keyword:        keyword,
		Action:         action,
		Details: map[string]string{
			"message_id":         msg.ID,
			"carrier_message_id": in.CarrierMessageID,
			"to":                 to,
		},
		CreatedAt: now,
	})

	g.Log.Info().Str("from", from).Str("org_id", orgID).Str("kind", string(kind)).Str("action", action).
		Msg("inbound message processed")
	return res, nil
}

// optIn lifts an active keyword opt-out. Manual and carrier suppressions
// stay in place.
func (g *ComplianceGate) optIn(ctx context.Context, phone, orgID string) error {
	sup, err := g.Suppressions.Lookup(ctx, phone, orgID)
	if err != nil {
		return err
	}
	if sup == nil || sup.Reason != model.ReasonOptOut || sup.Source != model.SourceKeyword || sup.OrganizationID != orgID {
		return nil
	}
	return g.Suppressions.Deactivate(ctx, sup.ID)
}

func (g *ComplianceGate) replyFor(kind KeywordKind) string {
	switch kind {
	case KeywordStop:
		return g.Replies.Stop
	case KeywordHelp:
		return g.Replies.Help
	case KeywordStart:
		return g.Replies.Start
	}
	return ""
}

func (g *ComplianceGate) audit(ctx context.Context, e *model.AuditEvent) {
	if g.Audit == nil {
		return
	}
	if err := g.Audit.Record(ctx, e); err != nil {
		g.Log.Error().Err(err).Str("event_type", e.EventType).Msg("failed to record audit event")
	}
}
