package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"signal-kitchen/internal/domain"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func registerResources(server *mcp.Server, rt recordTools) {
	server.AddResource(&mcp.Resource{
		URI:         "market://supported-assets",
		Name:        "supported-assets",
		Description: "List of assets tracked by the pipeline",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return jsonResource(req.Params.URI, domain.SupportedAssets)
	})

	server.AddResource(&mcp.Resource{
		URI:         "market://supported-timeframes",
		Name:        "supported-timeframes",
		Description: "List of bucket timeframes supported by the pipeline",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return jsonResource(req.Params.URI, domain.SupportedTimeframes)
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "signals://{consumer}/{asset}/{timeframe}{?limit}",
		Name:        "signals-visible",
		Description: "Signal records visible to a consumer for an asset and timeframe; optional limit query param",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		parsed, err := url.Parse(req.Params.URI)
		if err != nil || parsed.Scheme != "signals" {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		if parsed.Host == "" || len(parts) != 2 {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}

		in := recordsVisibleInput{ConsumerID: parsed.Host, Asset: parts[0], Timeframe: parts[1]}
		if rawLimit := strings.TrimSpace(parsed.Query().Get("limit")); rawLimit != "" {
			n, err := strconv.Atoi(rawLimit)
			if err != nil {
				return nil, fmt.Errorf("invalid limit: %s", rawLimit)
			}
			in.Limit = n
		}
		if err := bindCaller(&in, callerID(req.Extra)); err != nil {
			return nil, err
		}
		q, err := normalizeRecordQuery(in)
		if err != nil {
			return nil, err
		}
		out, err := rt.visible(ctx, q, domain.SignalRecordType)
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, out)
	})
}

func jsonResource(uri string, payload any) (*mcp.ReadResourceResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(body),
		}},
	}, nil
}
