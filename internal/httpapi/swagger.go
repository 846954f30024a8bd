//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/v1/session/": {
            "post": {"summary": "Open a session", "produces": ["application/json"], "responses": {"201": {"description": "session id"}}}
        },
        "/v1/session/{sid}/": {
            "delete": {"summary": "Close a session", "responses": {"204": {"description": "closed"}, "404": {"description": "unknown session"}}}
        },
        "/v1/session/{sid}/requests": {
            "post": {"summary": "Submit a request chain", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"202": {"description": "accepted"}, "400": {"description": "invalid request"}, "409": {"description": "conflicting producer"}}}
        },
        "/v1/session/{sid}/vars/{name}": {
            "get": {"summary": "Read a semantic variable; wait=1 blocks until ready", "produces": ["application/json"], "responses": {"200": {"description": "variable"}, "404": {"description": "unknown variable"}, "504": {"description": "wait timed out"}}},
            "put": {"summary": "Set a semantic variable", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "variable"}, "409": {"description": "already set"}}}
        },
        "/register_engine": {
            "post": {"summary": "Register an engine", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "engine id"}}}
        },
        "/engine_heartbeat": {
            "post": {"summary": "Engine telemetry", "consumes": ["application/json"], "responses": {"200": {"description": "recorded"}, "404": {"description": "unknown engine"}}}
        },
        "/status": {
            "get": {"summary": "Control plane status", "produces": ["application/json"], "responses": {"200": {"description": "status"}}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "parrotd API",
	Description:      "Control plane for LLM programs: sessions, semantic variables and engine dispatch.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
