// Package demux splits the transcoder's raw video output into discrete
// frames. The wire format is headerless: consecutive packed-pixel records of
// exactly width*height*3 bytes with no length prefix and no resync marker,
// so a short record desynchronizes the stream for good.
//
// The central type is [Reader], which wraps an [io.Reader] and returns one
// [media.RawFrame] per call to [Reader.ReadFrame]. End of stream and
// truncated records are reported as [ErrEndOfStream] and [PartialFrameError]
// so the caller can relaunch the producing processes.
package demux
