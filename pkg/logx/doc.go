// Package logx is the process logger: a thin layer over zerolog whose sinks
// (console, JSON file, operator chat) can be swapped at runtime while every
// Logger derived from the Service keeps working.
package logx
