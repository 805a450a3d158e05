// Package srt implements an SRT caller that pulls a remote MPEG-TS stream
// and feeds it into the capture chain in place of a local capture process.
package srt
