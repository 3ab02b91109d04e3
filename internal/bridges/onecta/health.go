package onecta

import (
	"context"
)

// Health returns the current health of one account.
func (b *Bridge) Health(accountID string) (HealthMessage, error) {
	acc, err := b.Account(accountID)
	if err != nil {
		return HealthMessage{}, err
	}
	return b.healthMessage(acc), nil
}

func (b *Bridge) healthMessage(acc *Account) HealthMessage {
	now := b.clock.Now()
	status := acc.Gateway.Status()
	msg := HealthMessage{
		Account:       acc.ID,
		Timestamp:     now.UTC(),
		GatewayStatus: status,
		GatewayReason: status.String(),
		Version:       b.version,
		Usage:         acc.Gateway.Usage(),
		Devices:       len(acc.devices),
	}
	if !b.startTime.IsZero() {
		msg.UptimeSeconds = int64(now.Sub(b.startTime).Seconds())
	}
	if st := acc.Vault.State(); !st.IsZero() {
		msg.TokenValidUntil = st.AccessTokenExpiry.UTC()
	}
	for _, d := range acc.devices {
		_, s := d.State()
		switch s {
		case SyncReady:
			msg.Ready++
		case SyncDegraded:
			msg.Degraded++
		}
	}

	switch {
	case !status.Ready():
		msg.Status = HealthUnavailable
	case msg.Degraded > 0 || msg.Usage.Exceeded():
		msg.Status = HealthDegraded
	default:
		msg.Status = HealthHealthy
	}
	return msg
}

func (b *Bridge) publishHealth(acc *Account) {
	b.publishJSON(b.topics.Health(acc.ID), b.healthMessage(acc), true)
}

// runHealth publishes every account's health now and on each interval.
func (b *Bridge) runHealth(ctx context.Context) {
	publishAll := func() {
		for _, acc := range b.Accounts() {
			b.publishHealth(acc)
		}
	}
	publishAll()

	ticker := b.clock.Ticker(b.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publishAll()
		}
	}
}
