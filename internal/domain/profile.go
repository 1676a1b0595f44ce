package domain

import "time"

// UserTier enumerates the subscription tiers of the trading platform.
type UserTier string

const (
	TierFree     UserTier = "FREE"
	TierBasic    UserTier = "BASIC"
	TierPro      UserTier = "PRO"
	TierElite    UserTier = "ELITE"
	TierLifetime UserTier = "LIFETIME"
)

// UserProfile is a read-only snapshot of a platform user, owned by the
// external user-record collaborator. The segment evaluator resolves rule
// field paths against the map form returned by Fields().
type UserProfile struct {
	ID                 string         `json:"id"`
	Email              string         `json:"email"`
	Tier               UserTier       `json:"tier"`
	SubscriptionStatus string         `json:"subscription_status"`
	CreatedAt          time.Time      `json:"created_at"`
	LastLoginAt        *time.Time     `json:"last_login_at,omitempty"`
	LastTradeAt        *time.Time     `json:"last_trade_at,omitempty"`
	TotalTrades        int            `json:"total_trades"`
	TotalVolumeUSD     float64        `json:"total_volume_usd"`
	PnLUSD             float64        `json:"pnl_usd"`
	PreferredAssets    []string       `json:"preferred_assets,omitempty"`
	ActiveBots         int            `json:"active_bots"`
	EmailsReceived     int            `json:"emails_received"`
	EmailsOpened       int            `json:"emails_opened"`
	EmailsClicked      int            `json:"emails_clicked"`
	Tags               []string       `json:"tags,omitempty"`
	Custom             map[string]any `json:"custom,omitempty"`
}

// Fields flattens the profile into a map keyed by the dotted field paths
// segment rules use. Nested custom fields resolve under "custom.<key>".
func (p *UserProfile) Fields() map[string]any {
	m := map[string]any{
		"id":                  p.ID,
		"email":               p.Email,
		"tier":                string(p.Tier),
		"subscriptionStatus":  p.SubscriptionStatus,
		"createdAt":           p.CreatedAt,
		"totalTrades":         p.TotalTrades,
		"totalVolumeUsd":      p.TotalVolumeUSD,
		"pnlUsd":              p.PnLUSD,
		"preferredAssets":     p.PreferredAssets,
		"activeBots":          p.ActiveBots,
		"emails.received":     p.EmailsReceived,
		"emails.opened":       p.EmailsOpened,
		"emails.clicked":      p.EmailsClicked,
		"tags":                p.Tags,
	}
	if p.LastLoginAt != nil {
		m["lastLoginAt"] = *p.LastLoginAt
	}
	if p.LastTradeAt != nil {
		m["lastTradeAt"] = *p.LastTradeAt
	}
	for k, v := range p.Custom {
		m["custom."+k] = v
	}
	return m
}
