// Package logx is releasebot's structured logging wrapper over zerolog.
//
// Console output is human readable (short timestamp and caller), the file
// sink writes JSON lines, and an optional Telegram sink forwards records at
// or above a minimum level to a log chat with rate limiting. Loggers derived
// from a Service follow Service.Apply across config reloads.
package logx
