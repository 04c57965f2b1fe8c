package cron

import "github.com/rs/zerolog"

// deliveryChannels are the channel names a plan may target. "last"
// re-uses whatever route the user spoke on most recently.
var deliveryChannels = map[string]bool{
	"last":     true,
	"telegram": true,
	"dingtalk": true,
	"feishu":   true,
	"cli":      true,
}

// ResolveDeliveryPlan decides whether an isolated job's output should
// be announced and where. The modern delivery object wins whenever it
// is present; otherwise the legacy payload-embedded fields apply. The
// result is derived fresh on every run and never persisted.
func ResolveDeliveryPlan(job *CronJob, log zerolog.Logger) DeliveryPlan {
	if job.Delivery != nil {
		d := job.Delivery
		mode := d.Mode
		if mode == "" {
			mode = DeliveryNone
		}
		// "deliver" survives as a spelling of announce in old stores.
		if mode == DeliveryMode("deliver") {
			mode = DeliveryAnnounce
		}
		return DeliveryPlan{
			Mode:       mode,
			Channel:    coerceChannel(d.Channel, job.ID, log),
			To:         d.To,
			Source:     PlanSourceDelivery,
			Requested:  mode == DeliveryAnnounce,
			BestEffort: d.BestEffort,
		}
	}

	p := &job.Payload
	requested := false
	switch {
	case p.Deliver != nil:
		requested = *p.Deliver
	case p.To != "":
		requested = true
	}
	mode := DeliveryNone
	if requested {
		mode = DeliveryAnnounce
	}
	bestEffort := p.BestEffortDeliver != nil && *p.BestEffortDeliver
	return DeliveryPlan{
		Mode:       mode,
		Channel:    coerceChannel(p.Channel, job.ID, log),
		To:         p.To,
		Source:     PlanSourcePayload,
		Requested:  requested,
		BestEffort: bestEffort,
	}
}

// coerceChannel maps empty or unrecognized channels to "last" so a
// stale channel name can never make delivery fail outright.
func coerceChannel(channel, jobID string, log zerolog.Logger) string {
	if channel == "" {
		return "last"
	}
	if !deliveryChannels[channel] {
		log.Warn().Str("job", jobID).Str("channel", channel).Msg("unknown delivery channel, using last route")
		return "last"
	}
	return channel
}
