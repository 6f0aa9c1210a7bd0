package middleware

import (
	"log/slog"

	"chatty/internal/chatty"
	"chatty/internal/platform/telemetry"
)

// Stage names, in the order Standard assembles them.
const (
	StageRequestID       = "request-id"
	StageLogging         = "logging"
	StageMetrics         = "metrics"
	StageRecovery        = "recovery"
	StageSession         = "session"
	StageHPP             = "hpp"
	StageSecurityHeaders = "security-headers"
	StageCORS            = "cors"
	StageCompression     = "compression"
	StageBodyParser      = "body-parser"
	StageUpgradeLimit    = "upgrade-limit"
)

// StandardOptions carries everything the standard pipeline needs.
type StandardOptions struct {
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	OnError      chatty.ErrorHandler
	Session      SessionConfig
	HPPWhitelist []string
	Development  bool
	ClientURL    string
	BodyLimit    int64
}

// Standard builds the request pipeline: the ambient stages first, then
// session, hpp, security headers, cors, compression and the body parser.
func Standard(opts StandardOptions) Pipeline {
	return Pipeline{
		{StageRequestID, RequestID},
		{StageLogging, Logging(opts.Logger)},
		{StageMetrics, Metrics(opts.Metrics)},
		{StageRecovery, Recovery(opts.OnError)},
		{StageSession, Session(opts.Session)},
		{StageHPP, ParamPollution(opts.HPPWhitelist...)},
		{StageSecurityHeaders, SecureHeaders(opts.Development)},
		{StageCORS, CORS(opts.ClientURL)},
		{StageCompression, Compress()},
		{StageBodyParser, BodyParser(opts.BodyLimit, opts.OnError)},
	}
}
