// Package logging configures structured JSON logging for indexsync with a
// size-rotated log file under ~/.indexsync/logs and an optional stderr copy.
// It also provides the viewer behind the logs command, which tails and
// filters those files.
package logging
