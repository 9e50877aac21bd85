package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/metrics"
)

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name     string `json:"channel_name"`
			Depth    int64  `json:"depth"`
			InFlight int64  `json:"in_flight_count"`
			Deferred int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd /stats and exports channel depth gauges.
type BacklogMonitor struct {
	client   *http.Client
	statsURL string
	topics   []string
	channel  string
	interval time.Duration
	logger   *logging.Logger
}

func NewBacklogMonitor(nsqdHTTPAddr, channel string, interval time.Duration, topics ...string) *BacklogMonitor {
	addr := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &BacklogMonitor{
		client:   &http.Client{Timeout: 5 * time.Second},
		statsURL: addr + "/stats?format=json",
		topics:   topics,
		channel:  channel,
		interval: interval,
		logger:   logging.Default(),
	}
}

// Run polls until ctx is cancelled.
func (b *BacklogMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Poll(ctx); err != nil {
				b.logger.Plain().WithError(err).Warn("nsq stats poll failed")
			}
		}
	}
}

// Poll reads stats once. Deferred messages count toward the backlog since
// they are scheduled retries.
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if !b.watching(topic.Name) {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.Name == b.channel && topic.Name == b.topics[0] {
				metrics.UpdateWorkerBacklog(float64(ch.Depth + ch.Deferred))
			}
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
	return nil
}

func (b *BacklogMonitor) watching(topic string) bool {
	for _, t := range b.topics {
		if t == topic {
			return true
		}
	}
	return false
}
