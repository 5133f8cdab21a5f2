// Package logging builds the slog logger shared by fvgateway and its tools.
package logging
