package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"signal-kitchen/internal/domain"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

var testNow = time.Unix(1746363600+1800, 0).UTC()

type stubResolver struct {
	consumers map[string]domain.Consumer
	keys      map[string]string
}

func (s *stubResolver) ResolveAPIKey(ctx context.Context, apiKey string) (domain.Consumer, error) {
	id, ok := s.keys[apiKey]
	if !ok {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	return s.Resolve(ctx, id)
}

func (s *stubResolver) Resolve(ctx context.Context, consumerID string) (domain.Consumer, error) {
	c, ok := s.consumers[consumerID]
	if !ok {
		return domain.Consumer{}, domain.ErrUnknownConsumer
	}
	return c, nil
}

type stubRecords struct {
	records []domain.SignalRecord

	lastConsumer domain.Consumer
	lastType     domain.RecordType
	lastTF       domain.Timeframe
	lastNow      time.Time
	lastLimit    int
}

func (s *stubRecords) VisibleRecords(ctx context.Context, c domain.Consumer, rt domain.RecordType, tf domain.Timeframe, now time.Time, limit int) ([]domain.SignalRecord, error) {
	s.lastConsumer, s.lastType, s.lastTF, s.lastNow, s.lastLimit = c, rt, tf, now, limit
	var out []domain.SignalRecord
	for _, rec := range s.records {
		if rec.RecordType == rt && rec.Timeframe == tf {
			out = append(out, rec)
		}
	}
	return out, nil
}

type stubCandles struct {
	points    map[string][]domain.PricePoint
	lastLimit int
}

func (s *stubCandles) ListPricePoints(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]domain.PricePoint, error) {
	s.lastLimit = limit
	points := s.points[asset+":"+string(tf)]
	if len(points) > limit {
		points = points[:limit]
	}
	return append([]domain.PricePoint(nil), points...), nil
}

func newTestResolver() *stubResolver {
	return &stubResolver{
		consumers: map[string]domain.Consumer{
			"alice": {ID: "alice", Tier: domain.TierGold},
			"carol": {ID: "carol", Tier: domain.TierFree},
		},
		keys: map[string]string{"key-alice": "alice", "key-carol": "carol"},
	}
}

func testServer() (*sdkmcp.Server, *stubRecords, *stubCandles) {
	resolver := newTestResolver()
	records := &stubRecords{records: []domain.SignalRecord{
		{
			Key:        "txt.SOL::1h::1746363600",
			RecordType: domain.SignalRecordType("SOL"),
			Asset:      "SOL",
			Timeframe:  domain.Timeframe1h,
			Bucket:     1746363600,
		},
		{
			Key:        "rebalance.SOL::1h::1746363600",
			RecordType: domain.RebalanceRecordType("SOL"),
			Asset:      "SOL",
			Timeframe:  domain.Timeframe1h,
			Bucket:     1746363600,
			Rebalance:  &domain.RebalanceResult{Asset: "SOL", Bucket: 1746363600, ActionTaken: "open"},
		},
	}}
	candles := &stubCandles{points: map[string][]domain.PricePoint{
		"SOL:1h": {{Asset: "SOL", Open: 1, High: 2, Low: 1, Close: 2, Volume: 3, Timestamp: time.Unix(0, 0).UTC()}},
	}}

	srv := NewServer(nil, resolver, records, candles, ServerConfig{
		RequestTimeout: time.Second,
		Now:            func() time.Time { return testNow },
	})
	return srv, records, candles
}

func connectInMemory(ctx context.Context, srv *sdkmcp.Server) (*sdkmcp.ClientSession, context.CancelFunc, error) {
	clientTransport, serverTransport := sdkmcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = srv.Run(runCtx, serverTransport) }()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcp-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return session, cancel, nil
}

type authRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.token != "" {
		clone.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func decodeResourceJSON(result *sdkmcp.ReadResourceResult, out any) error {
	if len(result.Contents) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(result.Contents[0].Text), out)
}
