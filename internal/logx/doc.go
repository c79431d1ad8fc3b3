// Package logx is the logging front for chime.
//
// It wraps zerolog behind a small Logger value so services never hold a
// concrete sink. The Service owns output selection (console, file) and an
// optional rate-limited mirror of WARN+ records into the chat surface, and
// can swap all of it at runtime via Apply without invalidating loggers
// already handed out.
package logx
