package dberrors

import "errors"

var (
	ErrNotFound           = errors.New("lsmkv: not found")
	ErrClosed             = errors.New("lsmkv: closed")
	ErrInvalidArgument    = errors.New("lsmkv: invalid argument")
	ErrUnknownSegment     = errors.New("lsmkv: unknown segment")
	ErrTimestampCollision = errors.New("lsmkv: timestamp collision")
	ErrCompactionRunning  = errors.New("lsmkv: compaction running")
	ErrWALFailed          = errors.New("lsmkv: write-ahead log failed")
)
