package main

// General API documentation for swaggo. The served document is registered
// by internal/httpapi when built with -tags=swagger.
//
// @title           parrotd API
// @version         1.0
// @description     Control plane for LLM programs: sessions, semantic variables and engine dispatch.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
