package cron

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobSpecCanonical(t *testing.T) {
	raw := map[string]interface{}{
		"name": "morning brief",
		"schedule": map[string]interface{}{
			"kind": "cron", "expr": "0 9 * * *", "tz": "UTC",
		},
		"sessionTarget": "isolated",
		"payload": map[string]interface{}{
			"kind": "agentTurn", "message": "summarize the news",
		},
		"delivery": map[string]interface{}{
			"mode": "announce", "channel": "telegram", "to": "123",
		},
	}
	spec, err := ParseJobSpec(raw)
	require.NoError(t, err)
	assert.Equal(t, "morning brief", spec.Name)
	assert.Equal(t, ScheduleCron, spec.Schedule.Kind)
	assert.Equal(t, PayloadAgentTurn, spec.Payload.Kind)
	require.NotNil(t, spec.Delivery)
	assert.Equal(t, DeliveryAnnounce, spec.Delivery.Mode)
}

func TestParseJobSpecLegacySpellings(t *testing.T) {
	raw := map[string]interface{}{
		"name": "old style",
		"schedule": map[string]interface{}{
			"kind": "at", "atMs": float64(4102444800000),
		},
		"payload": map[string]interface{}{
			"kind": "agent_turn", "message": "go", "deliver": true, "to": "99",
		},
	}
	spec, err := ParseJobSpec(raw)
	require.NoError(t, err)
	assert.Equal(t, "2100-01-01T00:00:00Z", spec.Schedule.At)
	assert.Zero(t, spec.Schedule.AtMs)
	assert.Equal(t, PayloadAgentTurn, spec.Payload.Kind)
	require.NotNil(t, spec.Payload.Deliver)
	assert.True(t, *spec.Payload.Deliver)
}

func TestParseJobSpecDeliverModeSynonym(t *testing.T) {
	raw := map[string]interface{}{
		"name":     "synonym",
		"schedule": map[string]interface{}{"kind": "every", "everyMs": float64(60000)},
		"payload":  map[string]interface{}{"kind": "agentTurn", "message": "m"},
		"delivery": map[string]interface{}{"mode": "deliver"},
	}
	spec, err := ParseJobSpec(raw)
	require.NoError(t, err)
	require.NotNil(t, spec.Delivery)
	assert.Equal(t, DeliveryAnnounce, spec.Delivery.Mode)
}

func TestParseJobSpecRejectsWrongTypes(t *testing.T) {
	raw := map[string]interface{}{
		"name":     "broken",
		"schedule": "every minute",
	}
	_, err := ParseJobSpec(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestParseJobPatchPartial(t *testing.T) {
	raw := map[string]interface{}{
		"enabled": false,
		"payload": map[string]interface{}{"message": "new text"},
	}
	patch, err := ParseJobPatch(raw)
	require.NoError(t, err)
	require.NotNil(t, patch.Enabled)
	assert.False(t, *patch.Enabled)
	require.NotNil(t, patch.Payload)
	require.NotNil(t, patch.Payload.Message)
	assert.Equal(t, "new text", *patch.Payload.Message)
	assert.Nil(t, patch.Name)
	assert.Nil(t, patch.Schedule)
	assert.Nil(t, patch.Payload.Kind)
}

func TestParseJobPatchScheduleNormalized(t *testing.T) {
	raw := map[string]interface{}{
		"schedule": map[string]interface{}{"kind": "at", "atMs": float64(4102444800000)},
	}
	patch, err := ParseJobPatch(raw)
	require.NoError(t, err)
	require.NotNil(t, patch.Schedule)
	assert.Equal(t, "2100-01-01T00:00:00Z", patch.Schedule.At)
}
