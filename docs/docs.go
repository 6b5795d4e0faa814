// Package docs registers the OpenAPI document served by the swagger UI.
// Regenerate with `swag init -g cmd/llmgated/docs.go` when the HTTP surface
// changes.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "llmgated API",
    "description": "HTTP API for the on-device LLM inference gateway: token approval, conversation lifecycle and streaming chat.",
    "version": "1.0"
  },
  "basePath": "/",
  "schemes": ["http"],
  "paths": {}
}`

type swaggerDoc struct{}

func (swaggerDoc) ReadDoc() string { return docTemplate }

func init() {
	swag.Register(swag.Name, swaggerDoc{})
}
