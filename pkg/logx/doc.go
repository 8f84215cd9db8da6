// Package logx is lurker's structured logging on top of zerolog.
//
// Console output is human readable with a short file:line caller. The file
// sink writes JSON. An optional chat sink forwards lines at or above a minimum
// level to an operator chat, rate limited and never blocking the caller.
package logx
