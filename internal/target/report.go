package target

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/handybridge/relayd/internal/wire"
)

// StatusReport is the delivery outcome posted back to the source.
type StatusReport struct {
	Status         string `json:"status"`
	Site           string `json:"site,omitempty"`
	Detail         string `json:"detail,omitempty"`
	MessagePreview string `json:"messagePreview,omitempty"`
}

// Report posts a status report to the source endpoint with the bearer
// token. The text field carries the recognizable prefix so the relay
// can filter its own reports when the source echoes them back.
func (r *Registry) Report(ctx context.Context, sourceURL string, rpt StatusReport) error {
	payload := map[string]any{
		"type":           "status",
		"status":         rpt.Status,
		"site":           rpt.Site,
		"detail":         rpt.Detail,
		"messagePreview": rpt.MessagePreview,
		"ts":             time.Now().UnixMilli(),
		"text":           wire.StatusPrefix + " " + rpt.Status + " " + rpt.Site,
	}
	if _, err := r.client.PostJSONTimed(ctx, sourceURL, payload, r.timeout); err != nil {
		r.logger.Warn("status report failed", zap.String("status", rpt.Status), zap.Error(err))
		return err
	}
	return nil
}

func encodeBinding(b *Binding) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeBinding(encoded string, b *Binding) error {
	return json.Unmarshal([]byte(encoded), b)
}
