package main

// General API documentation for swaggo. Run `swag init -g cmd/mlxrd/docs.go`
// to generate docs, then build with -tags=swagger to serve them.
//
// @title           mlxrd API
// @version         1.0
// @description     HTTP API for local LLM inference with continuous batching.
//
// @contact.name   mlxrd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
