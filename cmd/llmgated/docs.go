package main

// General API documentation for swaggo. Run `swag init` to regenerate docs.
//
// @title           llmgated API
// @version         1.0
// @description     HTTP API for on-device LLM conversation management and streaming inference.
//
// @contact.name   llmgated maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
