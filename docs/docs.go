// Package docs holds the Swagger document served at /swagger. Regenerate
// with `swag init -g cmd/server/main.go` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Liveness check",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/signals/{asset}/{timeframe}": {
            "get": {
                "description": "Returns the newest signal records the calling consumer may see",
                "produces": ["application/json"],
                "tags": ["signals"],
                "summary": "Visible signal records",
                "parameters": [
                    {"type": "string", "description": "Asset symbol (e.g., SOL, BTC)", "name": "asset", "in": "path", "required": true},
                    {"type": "string", "description": "Timeframe (5m, 15m, 1h, 4h, 1d)", "name": "timeframe", "in": "path", "required": true},
                    {"type": "integer", "default": 10, "description": "Number of records (default 10, max 100)", "name": "limit", "in": "query"},
                    {"type": "string", "description": "Consumer API key", "name": "X-API-Key", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/rebalances/{asset}/{timeframe}": {
            "get": {
                "description": "Returns the newest position-manager results the calling consumer may see",
                "produces": ["application/json"],
                "tags": ["rebalances"],
                "summary": "Visible rebalance records",
                "parameters": [
                    {"type": "string", "description": "Asset symbol", "name": "asset", "in": "path", "required": true},
                    {"type": "string", "description": "Timeframe", "name": "timeframe", "in": "path", "required": true},
                    {"type": "integer", "default": 10, "description": "Number of records (default 10, max 100)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/charts/{asset}/{timeframe}/{bucket}": {
            "get": {
                "description": "Returns the rendered PNG chart for a bucket the calling consumer may see",
                "produces": ["image/png"],
                "tags": ["signals"],
                "summary": "Chart image of a visible record",
                "parameters": [
                    {"type": "string", "description": "Asset symbol", "name": "asset", "in": "path", "required": true},
                    {"type": "string", "description": "Timeframe", "name": "timeframe", "in": "path", "required": true},
                    {"type": "integer", "description": "Bucket start (unix seconds)", "name": "bucket", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        },
        "/api/subscriptions": {
            "post": {
                "description": "Stores the webhook the calling consumer wants records pushed to. The body consumer_id must match the caller.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["subscriptions"],
                "summary": "Register a webhook",
                "parameters": [
                    {"type": "string", "description": "Consumer API key", "name": "X-API-Key", "in": "header", "required": true},
                    {"description": "Webhook registration", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/domain.Subscription"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "401": {"description": "Unauthorized", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": {"type": "string"}}}
                }
            }
        }
    },
    "definitions": {
        "domain.Subscription": {
            "type": "object",
            "required": ["consumer_id", "webhook_url"],
            "properties": {
                "consumer_id": {"type": "string"},
                "webhook_key": {"type": "string"},
                "webhook_url": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Signal Kitchen API",
	Description:      "Tier-gated market signals, charts and rebalance results.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
