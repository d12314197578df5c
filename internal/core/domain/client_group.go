package domain

import "time"

type AIPlanType string

const (
	AIPlanNone     AIPlanType = ""
	AIPlanBasic    AIPlanType = "BASIC"
	AIPlanComplete AIPlanType = "COMPLETE"
)

// ClientGroup is the mailbox owner. Status follows the same claim discipline as documents.
type ClientGroup struct {
	ID           int64            `json:"id"`
	UUID         string           `json:"uuid"`
	Username     string           `json:"username"`
	CNPJ         string           `json:"cnpj"`
	Token        string           `json:"-"`
	AIUser       bool             `json:"ai_user"`
	AIPlan       AIPlanType       `json:"ai_plan_type,omitempty"`
	SupportCode  string           `json:"codigo_suporte"`
	Email        string           `json:"email,omitempty"`
	LastMailRead *time.Time       `json:"last_mail_read,omitempty"`
	Status       ProcessingStatus `json:"status"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
}

// UsesAIExtraction reports whether documents of this group go through a model-based extractor.
func (g *ClientGroup) UsesAIExtraction() bool {
	if g == nil || !g.AIUser {
		return false
	}
	return g.AIPlan == AIPlanBasic || g.AIPlan == AIPlanComplete
}

type Company struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	ClientGroupID int64      `json:"client_group_id"`
	Active        bool       `json:"active"`
	CNPJ          string     `json:"cnpj"`
	FantasyName   string     `json:"fantasy_name"`
	LegalName     string     `json:"legal_name"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}
